// Package resource exposes the FHIR REST API for every resource type. Each
// interaction runs through the transaction engine as a one-entry
// transaction; search and history read the store directly.
package resource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirtx/internal/platform/auth"
	"github.com/ehr/fhirtx/internal/platform/fhir"
	"github.com/ehr/fhirtx/internal/platform/search"
	"github.com/ehr/fhirtx/internal/platform/store"
	"github.com/ehr/fhirtx/internal/platform/transaction"
	"github.com/ehr/fhirtx/pkg/pagination"
)

// Version is reported in the CapabilityStatement.
const Version = "0.1.0"

type Handler struct {
	engine     *transaction.Engine
	store      store.Store
	searcher   *search.Searcher
	localhost  *fhir.Localhost
	maxEntries int
}

func NewHandler(engine *transaction.Engine, s store.Store, searcher *search.Searcher, localhost *fhir.Localhost, maxEntries int) *Handler {
	return &Handler{engine: engine, store: s, searcher: searcher, localhost: localhost, maxEntries: maxEntries}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)
	g.POST("", h.Bundle)

	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.Search)
	g.POST("/:type", h.Create)
	g.PUT("/:type", h.Update)
	g.PATCH("/:type", h.Patch)
	g.DELETE("/:type", h.Delete)

	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.PATCH("/:type/:id", h.Patch)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.Read)
}

// Authorize checks a bundle entry against the caller's scopes.
func Authorize(ctx context.Context, r *transaction.Request) error {
	access := auth.AccessWrite
	if r.Method == fhir.MethodGET {
		access = auth.AccessRead
	}
	return auth.CheckAccess(ctx, r.URL.Key.TypeName, access)
}

func (h *Handler) Metadata(c echo.Context) error {
	return c.JSON(http.StatusOK, fhir.CapabilityStatement(h.localhost.Base(), Version, search.SupportedParameters()))
}

// Bundle applies a transaction or batch bundle.
func (h *Handler) Bundle(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	bundle, err := h.engine.HandleBundle(c.Request().Context(), body, h.maxEntries)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) Create(c echo.Context) error {
	r, err := h.request(c, fhir.MethodPOST)
	if err != nil {
		return err
	}
	r.IfNoneExist = c.Request().Header.Get("If-None-Exist")
	if r.Resource, err = readResource(c); err != nil {
		return err
	}
	return h.do(c, r)
}

func (h *Handler) Read(c echo.Context) error {
	r, err := h.request(c, fhir.MethodGET)
	if err != nil {
		return err
	}
	return h.do(c, r)
}

// Update handles PUT on an instance, or a conditional update when the url
// carries a search instead of an id.
func (h *Handler) Update(c echo.Context) error {
	r, err := h.request(c, fhir.MethodPUT)
	if err != nil {
		return err
	}
	r.IfMatch = c.Request().Header.Get("If-Match")
	if r.Resource, err = readResource(c); err != nil {
		return err
	}
	return h.do(c, r)
}

// Patch accepts JSON Patch or JSON Merge Patch, chosen by Content-Type.
func (h *Handler) Patch(c echo.Context) error {
	r, err := h.request(c, fhir.MethodPATCH)
	if err != nil {
		return err
	}
	r.IfMatch = c.Request().Header.Get("If-Match")
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if r.Patch, err = fhir.ParsePatch(c.Request().Header.Get(echo.HeaderContentType), body); err != nil {
		return err
	}
	return h.do(c, r)
}

func (h *Handler) Delete(c echo.Context) error {
	r, err := h.request(c, fhir.MethodDELETE)
	if err != nil {
		return err
	}
	return h.do(c, r)
}

// Search returns a searchset bundle. POST _search takes its parameters
// from the form body as well as the query.
func (h *Handler) Search(c echo.Context) error {
	typeName := c.Param("type")
	query := c.QueryParams()
	if c.Request().Method == http.MethodPost {
		form, err := c.FormParams()
		if err != nil {
			return fhir.BadRequest("invalid search form: %s", err.Error())
		}
		query = form
	}
	if _, err := fhir.ParseKey(typeName); err != nil {
		return fhir.BadRequest("invalid resource type %q", typeName)
	}
	filter := searchFilter(query)

	entries, err := h.searcher.Search(c.Request().Context(), typeName, filter)
	if err != nil {
		return err
	}
	page := pagination.FromQuery(query)
	matches := pagination.Slice(entries, page)
	if err := h.engine.Exporter().Externalize(matches...); err != nil {
		return err
	}
	links := page.FHIRLinks(h.localhost.Base()+"/"+typeName, filter, len(entries))
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(matches, len(entries), bundleLinks(links)))
}

func (h *Handler) History(c echo.Context) error {
	key, err := fhir.ParseKey(c.Param("type") + "/" + c.Param("id"))
	if err != nil {
		return fhir.BadRequest("invalid resource url: %s", err.Error())
	}
	versions, err := h.store.History(c.Request().Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		return fhir.NotFound("%s not found", key)
	}
	if err != nil {
		return err
	}

	query := c.QueryParams()
	page := pagination.FromQuery(query)
	entries := pagination.Slice(versions, page)
	if err := h.engine.Exporter().Externalize(entries...); err != nil {
		return err
	}
	links := page.FHIRLinks(h.localhost.URI(key)+"/_history", nil, len(versions))
	return c.JSON(http.StatusOK, fhir.NewHistoryBundle(entries, len(versions), bundleLinks(links)))
}

// request builds an engine request from the route. Query parameters that
// only shape the response are not part of the interaction url.
func (h *Handler) request(c echo.Context, method fhir.Method) (*transaction.Request, error) {
	path := c.Param("type")
	if id := c.Param("id"); id != "" {
		path += "/" + id
	}
	if vid := c.Param("vid"); vid != "" {
		path += "/_history/" + vid
	}
	if q := searchFilter(c.QueryParams()); len(q) > 0 {
		path += "?" + q.Encode()
	}
	return transaction.NewRequest(method, path)
}

// searchFilter drops _format and the paging parameters.
func searchFilter(q url.Values) url.Values {
	out := url.Values{}
	for k, v := range q {
		switch k {
		case "_format", "_pretty", "_count", "_offset":
			continue
		}
		out[k] = v
	}
	return out
}

func (h *Handler) do(c echo.Context, r *transaction.Request) error {
	resp, err := h.engine.Do(c.Request().Context(), r)
	if err != nil {
		return err
	}
	return respond(c, resp)
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var fe *fhir.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fhir.BadRequest("failed to read request body: %s", err.Error())
	}
	return body, nil
}

func readResource(c echo.Context) (map[string]interface{}, error) {
	ct := strings.ToLower(c.Request().Header.Get(echo.HeaderContentType))
	if ct != "" && !strings.Contains(ct, "json") {
		return nil, &fhir.Error{
			Status:      http.StatusUnsupportedMediaType,
			IssueType:   fhir.IssueTypeNotSupported,
			Diagnostics: "resources must be sent as application/fhir+json",
		}
	}
	body, err := readBody(c)
	if err != nil {
		return nil, err
	}
	return fhir.DecodeResource(body)
}

func bundleLinks(links []pagination.FHIRLink) []fhir.BundleLink {
	out := make([]fhir.BundleLink, len(links))
	for i, l := range links {
		out[i] = fhir.BundleLink{Relation: l.Relation, URL: l.URL}
	}
	return out
}
