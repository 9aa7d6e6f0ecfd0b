package healing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/maxillocare/healing/internal/platform/auth"
	"github.com/maxillocare/healing/internal/platform/vision"
)

func newTestContext(method, target string, body *bytes.Buffer, req *auth.Requester) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, body)
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if req != nil {
		r = r.WithContext(auth.WithRequester(r.Context(), *req))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(r, rec), rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestHandler_AnalyzeOmitsHealingPercentage(t *testing.T) {
	f := newFixture(t, respondWith(structuredResponse))
	h := NewHandler(f.svc)

	c, rec := newTestContext(http.MethodPost, "/", nil, &doctor)
	c.SetParamNames("image_id")
	c.SetParamValues(f.image.ID.String())

	if err := h.Analyze(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["healing_percentage"]; ok {
		t.Error("analysis response must not include healing_percentage")
	}
	for _, k := range []string{"image_id", "ai_remarks", "fracture_classification", "recommended_actions", "analyzed_at"} {
		if _, ok := body[k]; !ok {
			t.Errorf("missing %q in response", k)
		}
	}
}

func TestHandler_GetResultOmitsHealingPercentage(t *testing.T) {
	f := newFixture(t, respondWith(structuredResponse))
	h := NewHandler(f.svc)
	if _, err := f.svc.Analyze(context.Background(), f.image.ID, doctor); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	c, rec := newTestContext(http.MethodGet, "/", nil, &ownPatient)
	c.SetParamNames("image_id")
	c.SetParamValues(f.image.ID.String())
	if err := h.GetResult(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), "healing_percentage") {
		t.Error("result response must not include healing_percentage")
	}
}

func TestHandler_HistoryIncludesHealingPercentage(t *testing.T) {
	f := newFixture(t, respondWith(structuredResponse))
	h := NewHandler(f.svc)
	if _, err := f.svc.Analyze(context.Background(), f.image.ID, doctor); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	c, rec := newTestContext(http.MethodGet, "/", nil, &doctor)
	c.SetParamNames("patient_id")
	c.SetParamValues(f.patient.ID.String())
	if err := h.History(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var records []ImageRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].HealingPercentage == nil || *records[0].HealingPercentage != 72 {
		t.Errorf("expected one record with percentage 72, got %+v", records)
	}
}

func TestHandler_MissingRequester(t *testing.T) {
	f := newFixture(t, respondWith(structuredResponse))
	h := NewHandler(f.svc)

	c, _ := newTestContext(http.MethodPost, "/", nil, nil)
	c.SetParamNames("image_id")
	c.SetParamValues(f.image.ID.String())
	if code := statusOf(t, h.Analyze(c)); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestHandler_InvalidID(t *testing.T) {
	f := newFixture(t, respondWith(structuredResponse))
	h := NewHandler(f.svc)

	c, _ := newTestContext(http.MethodPost, "/", nil, &doctor)
	c.SetParamNames("image_id")
	c.SetParamValues("not-a-uuid")
	if code := statusOf(t, h.Analyze(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_AnalyzeStatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		respond func(context.Context, string) (string, error)
		req     auth.Requester
		image   func(f *fixture) uuid.UUID
		prepare func(f *fixture)
		want    int
	}{
		{
			name:  "unavailable",
			req:   doctor,
			image: func(f *fixture) uuid.UUID { return f.image.ID },
			want:  http.StatusServiceUnavailable,
		},
		{
			name:    "not found",
			respond: respondWith(structuredResponse),
			req:     doctor,
			image:   func(*fixture) uuid.UUID { return uuid.New() },
			want:    http.StatusNotFound,
		},
		{
			name:    "forbidden",
			respond: respondWith(structuredResponse),
			req:     otherPatient,
			image:   func(f *fixture) uuid.UUID { return f.image.ID },
			want:    http.StatusForbidden,
		},
		{
			name:    "already analyzed",
			respond: respondWith(structuredResponse),
			req:     doctor,
			image:   func(f *fixture) uuid.UUID { return f.image.ID },
			prepare: func(f *fixture) {
				_, _ = f.svc.Analyze(context.Background(), f.image.ID, doctor)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "provider failure",
			respond: func(context.Context, string) (string, error) {
				return "", &vision.UpstreamError{StatusCode: 429, Message: "quota exceeded"}
			},
			req:   doctor,
			image: func(f *fixture) uuid.UUID { return f.image.ID },
			want:  http.StatusInternalServerError,
		},
		{
			name: "file missing",
			respond: func(context.Context, string) (string, error) {
				return "", vision.ErrImageFileNotFound
			},
			req:   doctor,
			image: func(f *fixture) uuid.UUID { return f.image.ID },
			want:  http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.respond)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			h := NewHandler(f.svc)
			req := tt.req
			c, _ := newTestContext(http.MethodPost, "/", nil, &req)
			c.SetParamNames("image_id")
			c.SetParamValues(tt.image(f).String())
			if code := statusOf(t, h.Analyze(c)); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_GetResultNotAnalyzed(t *testing.T) {
	f := newFixture(t, respondWith(structuredResponse))
	h := NewHandler(f.svc)

	c, _ := newTestContext(http.MethodGet, "/", nil, &doctor)
	c.SetParamNames("image_id")
	c.SetParamValues(f.image.ID.String())
	if code := statusOf(t, h.GetResult(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrServiceUnavailable, http.StatusServiceUnavailable},
		{ErrImageNotFound, http.StatusNotFound},
		{ErrPatientNotFound, http.StatusNotFound},
		{vision.ErrImageFileNotFound, http.StatusNotFound},
		{ErrForbidden, http.StatusForbidden},
		{ErrAlreadyAnalyzed, http.StatusBadRequest},
		{ErrNotAnalyzed, http.StatusBadRequest},
		{fmt.Errorf("%w: boom", ErrAnalysisFailed), http.StatusInternalServerError},
		{errors.New("anything else"), http.StatusInternalServerError},
		{echo.NewHTTPError(http.StatusTeapot, "tea"), http.StatusTeapot},
	}
	for _, tt := range tests {
		if code := statusOf(t, httpError(tt.err)); code != tt.want {
			t.Errorf("httpError(%v) = %d, want %d", tt.err, code, tt.want)
		}
	}
}

func multipartBody(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestHandler_Upload(t *testing.T) {
	f := newFixture(t, nil)
	h := NewHandler(f.svc)

	body, ct := multipartBody(t, map[string]string{"patient_id": f.patient.ID.String()}, "scan.png", "png-bytes")
	c, rec := newTestContext(http.MethodPost, "/images/upload", body, &ownPatient)
	c.Request().Header.Set(echo.HeaderContentType, ct)

	if err := h.Upload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var record ImageRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.Analyzed || record.PatientID != f.patient.ID || !strings.HasSuffix(record.ImagePath, ".png") {
		t.Errorf("unexpected record %+v", record)
	}
	if string(f.store.objects[record.ImagePath]) != "png-bytes" {
		t.Error("expected uploaded bytes stored")
	}
}

func TestHandler_UploadValidation(t *testing.T) {
	f := newFixture(t, nil)
	h := NewHandler(f.svc)

	body, ct := multipartBody(t, map[string]string{"patient_id": "bad"}, "scan.png", "x")
	c, _ := newTestContext(http.MethodPost, "/images/upload", body, &doctor)
	c.Request().Header.Set(echo.HeaderContentType, ct)
	if code := statusOf(t, h.Upload(c)); code != http.StatusBadRequest {
		t.Errorf("bad patient id: expected 400, got %d", code)
	}

	body, ct = multipartBody(t, map[string]string{"patient_id": f.patient.ID.String()}, "", "")
	c, _ = newTestContext(http.MethodPost, "/images/upload", body, &doctor)
	c.Request().Header.Set(echo.HeaderContentType, ct)
	if code := statusOf(t, h.Upload(c)); code != http.StatusBadRequest {
		t.Errorf("missing file: expected 400, got %d", code)
	}
}

func TestHandler_ListImagesPaginated(t *testing.T) {
	f := newFixture(t, nil)
	h := NewHandler(f.svc)

	c, rec := newTestContext(http.MethodGet, "/?limit=1&offset=0", nil, &doctor)
	c.SetParamNames("patient_id")
	c.SetParamValues(f.patient.ID.String())
	if err := h.ListImages(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data    []ImageRecord `json:"data"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 || resp.HasMore {
		t.Errorf("unexpected page %+v", resp)
	}
}

func TestHandler_GetAndDeleteImage(t *testing.T) {
	f := newFixture(t, nil)
	h := NewHandler(f.svc)

	c, rec := newTestContext(http.MethodGet, "/", nil, &ownPatient)
	c.SetParamNames("id")
	c.SetParamValues(f.image.ID.String())
	if err := h.GetImage(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, rec = newTestContext(http.MethodDelete, "/", nil, &doctor)
	c.SetParamNames("id")
	c.SetParamValues(f.image.ID.String())
	if err := h.DeleteImage(c); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c, _ = newTestContext(http.MethodGet, "/", nil, &doctor)
	c.SetParamNames("id")
	c.SetParamValues(f.image.ID.String())
	if code := statusOf(t, h.GetImage(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	f := newFixture(t, nil)
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/ai/analyze/:image_id":      false,
		"GET /api/v1/ai/results/:image_id":       false,
		"GET /api/v1/ai/history/:patient_id":     false,
		"POST /api/v1/images/upload":             false,
		"GET /api/v1/images/patient/:patient_id": false,
		"GET /api/v1/images/:id":                 false,
		"DELETE /api/v1/images/:id":              false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
