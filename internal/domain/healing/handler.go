package healing

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/maxillocare/healing/internal/platform/auth"
	"github.com/maxillocare/healing/internal/platform/vision"
	"github.com/maxillocare/healing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the analysis and image routes on api. analyzeMW is
// applied to the analyze route only (rate limiting).
func (h *Handler) RegisterRoutes(api *echo.Group, analyzeMW ...echo.MiddlewareFunc) {
	role := auth.RequireRole(auth.RoleDoctor, auth.RolePatient)

	ai := api.Group("/ai", role)
	ai.POST("/analyze/:image_id", h.Analyze, analyzeMW...)
	ai.GET("/results/:image_id", h.GetResult)
	ai.GET("/history/:patient_id", h.History)

	images := api.Group("/images", role)
	images.POST("/upload", h.Upload)
	images.GET("/patient/:patient_id", h.ListImages)
	images.GET("/:id", h.GetImage)
	images.DELETE("/:id", h.DeleteImage)
}

func requester(c echo.Context) (auth.Requester, error) {
	req, ok := auth.RequesterFromContext(c.Request().Context())
	if !ok {
		return auth.Requester{}, echo.NewHTTPError(http.StatusUnauthorized, "missing requester")
	}
	return req, nil
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// httpError translates service errors. Unknown errors become 500 with the
// cause attached for the request logger.
func httpError(err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, ErrServiceUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "AI analysis service unavailable. Please contact administrator.")
	case errors.Is(err, ErrImageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "image not found")
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, vision.ErrImageFileNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "image file not found").SetInternal(err)
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "not authorized to access this patient's images")
	case errors.Is(err, ErrAlreadyAnalyzed):
		return echo.NewHTTPError(http.StatusBadRequest, "image already analyzed; use GET /ai/results/:image_id to retrieve the existing analysis")
	case errors.Is(err, ErrNotAnalyzed):
		return echo.NewHTTPError(http.StatusBadRequest, "image has not been analyzed yet; use POST /ai/analyze/:image_id first")
	case errors.Is(err, ErrAnalysisFailed):
		return echo.NewHTTPError(http.StatusInternalServerError, "AI analysis failed").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func (h *Handler) Analyze(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "image_id")
	if err != nil {
		return err
	}
	img, err := h.svc.Analyze(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	res, _ := img.Result()
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetResult(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "image_id")
	if err != nil {
		return err
	}
	img, err := h.svc.GetResult(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	res, _ := img.Result()
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) History(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "patient_id")
	if err != nil {
		return err
	}
	imgs, err := h.svc.History(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, Records(imgs))
}

func (h *Handler) Upload(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	patientID, err := uuid.Parse(c.FormValue("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file").SetInternal(err)
	}
	defer f.Close()

	img, err := h.svc.Upload(c.Request().Context(), UploadInput{
		PatientID:   patientID,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Size:        fh.Size,
		Body:        f,
	}, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, img.Record())
}

func (h *Handler) ListImages(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	imgs, total, err := h.svc.ListImages(c.Request().Context(), id, req, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(Records(imgs), total, pg.Limit, pg.Offset))
}

func (h *Handler) GetImage(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	img, err := h.svc.GetImage(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, img.Record())
}

func (h *Handler) DeleteImage(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteImage(c.Request().Context(), id, req); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
