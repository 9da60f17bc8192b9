package ruledef

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/logic/pkg/pagination"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _, _ := newTestService()
	return NewHandler(svc), echo.New()
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestHandler_Create(t *testing.T) {
	h, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"token":"LOW CD4","criteria":"LAST 'CD4 COUNT' < 200","tags":["hiv"]}`), rec)
	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var d Definition
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Kind != KindReference || d.ID.String() == "" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_Create_Errors(t *testing.T) {
	h, e := newTestHandler()
	h.svc.Create(context.Background(), &Definition{Token: "A", Criteria: "B"})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing criteria", `{"token":"X"}`, http.StatusBadRequest},
		{"parse error", `{"token":"X","criteria":"A AND"}`, http.StatusBadRequest},
		{"duplicate", `{"token":"A","criteria":"C"}`, http.StatusConflict},
		{"malformed json", `{"token":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(jsonRequest(http.MethodPost, tt.body), httptest.NewRecorder())
			expectHTTPError(t, h.Create(c), tt.code)
		})
	}
}

func TestHandler_GetUpdateDelete(t *testing.T) {
	h, e := newTestHandler()
	d := &Definition{Token: "A", Criteria: "B"}
	if err := h.svc.Create(context.Background(), d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.Get(c); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPut, `{"token":"A","criteria":"C OR D"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.Update(c); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.Delete(c); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	expectHTTPError(t, h.Get(c), http.StatusNotFound)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.Get(c), http.StatusBadRequest)
}

func TestHandler_List(t *testing.T) {
	h, e := newTestHandler()
	for _, tok := range []string{"A", "B", "C"} {
		h.svc.Create(context.Background(), &Definition{Token: tok, Criteria: "X"})
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/rules?limit=2", nil), rec)
	if err := h.List(c); err != nil {
		t.Fatalf("List: %v", err)
	}
	var resp struct {
		pagination.Response
		Data []*Definition `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || len(resp.Data) != 2 || !resp.HasMore {
		t.Errorf("unexpected page: %s", rec.Body.String())
	}
	if resp.Next != "/api/v1/rules?limit=2&offset=2" {
		t.Errorf("unexpected next link %q", resp.Next)
	}
}

func TestHandler_ImportExport(t *testing.T) {
	h, e := newTestHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(sampleYAML))
	req.Header.Set(echo.HeaderContentType, mimeYAML)
	if err := h.Import(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Import: %v", err)
	}
	var res ImportResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if len(res.Created) != 2 {
		t.Errorf("expected 2 created, got %+v", res)
	}

	rec = httptest.NewRecorder()
	if err := h.Export(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != mimeYAML {
		t.Errorf("expected %s, got %s", mimeYAML, ct)
	}
	defs, err := DecodeFile(rec.Body)
	if err != nil || len(defs) != 2 {
		t.Errorf("expected exported file to decode to 2 rules: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("rules: ["))
	expectHTTPError(t, h.Import(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}

func TestHandler_Tags(t *testing.T) {
	h, e := newTestHandler()
	d := &Definition{Token: "A", Criteria: "B"}
	h.svc.Create(context.Background(), d)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"tag":"screening"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	if err := h.AddTag(c); err != nil {
		t.Fatalf("AddTag: %v", err)
	}
	var got Definition
	json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got.Tags) != 1 || got.Tags[0] != "screening" {
		t.Errorf("expected tags [screening], got %v", got.Tags)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, `{}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())
	expectHTTPError(t, h.AddTag(c), http.StatusBadRequest)

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id", "tag")
	c.SetParamValues(d.ID.String(), "screening")
	if err := h.RemoveTag(c); err != nil {
		t.Fatalf("RemoveTag: %v", err)
	}
	got = Definition{}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got.Tags) != 0 {
		t.Errorf("expected no tags, got %v", got.Tags)
	}
}
