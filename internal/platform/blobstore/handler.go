package blobstore

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthai/healthai/internal/platform/auth"
)

// BlobHandler serves stored uploads back to the doctor who made them.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/uploads/:id", h.handleDownload)
	g.GET("/uploads/:id/metadata", h.handleGetMetadata)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Download(c.Request().Context(), c.Param("id"))
	if err != nil {
		return blobError(err)
	}
	defer rc.Close()
	if err := authorize(c, meta); err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `inline; filename="`+meta.ID+`"`)
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleGetMetadata(c echo.Context) error {
	meta, err := h.store.GetMetadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		return blobError(err)
	}
	if err := authorize(c, meta); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meta)
}

// authorize hides uploads of other doctors behind a 404.
func authorize(c echo.Context, meta *BlobMetadata) error {
	ctx := c.Request().Context()
	if auth.IsAdmin(ctx) || meta.CreatedBy == auth.UserIDFromContext(ctx) {
		return nil
	}
	return echo.NewHTTPError(http.StatusNotFound, "upload not found")
}

func blobError(err error) error {
	if errors.Is(err, ErrBlobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "upload not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
