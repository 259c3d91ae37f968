package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/searchraft/searchraft/collection"
	"github.com/searchraft/searchraft/logger"
)

// Handlers binds the route table to the collection manager. Mutating routes
// run on dispatcher workers after their log entry commits; read routes run
// directly against the local store.
type Handlers struct {
	collections *collection.Manager
	logger      logger.Logger
}

// NewHandlers returns the handler set for the search API.
func NewHandlers(cm *collection.Manager, log logger.Logger) *Handlers {
	return &Handlers{collections: cm, logger: log.WithComponent("handlers")}
}

// RegisterRoutes installs the API surface on the router.
// `/documents/:id` endpoints are placed after their siblings so literal
// segments like `import` and `export` win the match.
func (h *Handlers) RegisterRoutes(rt *Router) {
	// document management
	rt.Register(http.MethodPost, "/collections/:collection/documents", h.postAddDocument, true)
	rt.Register(http.MethodPost, "/collections/:collection/documents/import", h.postImportDocuments, true).Streaming = true
	rt.Register(http.MethodGet, "/collections/:collection/documents/export", h.getExportDocuments, false)

	rt.Register(http.MethodGet, "/collections/:collection/documents/:id", h.getFetchDocument, false)
	rt.Register(http.MethodPatch, "/collections/:collection/documents/:id", h.patchUpdateDocument, true)
	rt.Register(http.MethodDelete, "/collections/:collection/documents/:id", h.delRemoveDocument, true)

	// collection management
	rt.Register(http.MethodPost, "/collections", h.postCreateCollection, true)
	rt.Register(http.MethodGet, "/collections", h.getCollections, false)
	rt.Register(http.MethodDelete, "/collections/:collection", h.delDropCollection, true)
	rt.Register(http.MethodGet, "/collections/:collection", h.getCollectionSummary, false)
}

// respondError maps domain errors onto HTTP statuses.
func respondError(res *Response, err error) {
	switch {
	case errors.Is(err, collection.ErrNotFound),
		errors.Is(err, collection.ErrDocumentNotFound):
		res.SetError(http.StatusNotFound, err.Error())
	case errors.Is(err, collection.ErrAlreadyExists):
		res.SetError(http.StatusConflict, err.Error())
	case errors.Is(err, collection.ErrInvalidSchema),
		errors.Is(err, collection.ErrInvalidDocument):
		res.SetError(http.StatusBadRequest, err.Error())
	default:
		res.Set500(err.Error())
	}
}

func (h *Handlers) postCreateCollection(req *Request, _ Params, res *Response) {
	c, err := h.collections.Create(req.Body)
	if err != nil {
		respondError(res, err)
		return
	}
	res.SetJSON(http.StatusCreated, c)
}

func (h *Handlers) delDropCollection(req *Request, params Params, res *Response) {
	c, err := h.collections.Drop(params["collection"])
	if err != nil {
		respondError(res, err)
		return
	}
	res.SetJSON(http.StatusOK, c)
}

func (h *Handlers) getCollections(_ *Request, _ Params, res *Response) {
	res.SetJSON(http.StatusOK, h.collections.List())
}

func (h *Handlers) getCollectionSummary(_ *Request, params Params, res *Response) {
	c, err := h.collections.Get(params["collection"])
	if err != nil {
		respondError(res, err)
		return
	}
	res.SetJSON(http.StatusOK, c)
}

func (h *Handlers) postAddDocument(req *Request, params Params, res *Response) {
	doc, err := h.collections.AddDocument(params["collection"], req.Body)
	if err != nil {
		respondError(res, err)
		return
	}
	res.SetBody(http.StatusCreated, doc)
}

func (h *Handlers) patchUpdateDocument(req *Request, params Params, res *Response) {
	doc, err := h.collections.UpdateDocument(params["collection"], params["id"], req.Body)
	if err != nil {
		respondError(res, err)
		return
	}
	res.SetBody(http.StatusOK, doc)
}

func (h *Handlers) delRemoveDocument(_ *Request, params Params, res *Response) {
	doc, err := h.collections.DeleteDocument(params["collection"], params["id"])
	if err != nil {
		respondError(res, err)
		return
	}
	res.SetBody(http.StatusOK, doc)
}

func (h *Handlers) getFetchDocument(_ *Request, params Params, res *Response) {
	doc, err := h.collections.GetDocument(params["collection"], params["id"])
	if err != nil {
		respondError(res, err)
		return
	}
	res.SetBody(http.StatusOK, doc)
}

func (h *Handlers) postImportDocuments(req *Request, params Params, res *Response) {
	results, err := h.collections.ImportDocuments(params["collection"], bytes.NewReader(req.Body))
	if err != nil {
		respondError(res, err)
		return
	}

	// One JSON result object per input line, newline-delimited like the input.
	var out bytes.Buffer
	for _, r := range results {
		line, merr := json.Marshal(r)
		if merr != nil {
			res.Set500(merr.Error())
			return
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	res.ContentType = "text/plain; charset=utf-8"
	res.SetBody(http.StatusOK, out.Bytes())
}

func (h *Handlers) getExportDocuments(_ *Request, params Params, res *Response) {
	var out bytes.Buffer
	if err := h.collections.ExportDocuments(params["collection"], &out); err != nil {
		respondError(res, err)
		return
	}
	res.ContentType = "text/plain; charset=utf-8"
	res.SetBody(http.StatusOK, out.Bytes())
}
