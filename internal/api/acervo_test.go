package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/kalambet/meirobo/internal/blob"
	"github.com/kalambet/meirobo/internal/retrieval"
	"github.com/kalambet/meirobo/internal/storage"
)

func decodeEntry(t *testing.T, rr *httptest.ResponseRecorder) entryView {
	t.Helper()
	var v entryView
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding entry: %v; body = %s", err, rr.Body.String())
	}
	return v
}

func addFreeform(t *testing.T, env *testEnv, body string) entryView {
	t.Helper()
	rr := env.do(tenantReq(t, http.MethodPost, "/v1/tenants/salao/acervo", body, "salao"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}
	return decodeEntry(t, rr)
}

func uploadReq(t *testing.T, body *bytes.Buffer, contentType string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/salao/acervo/upload", body)
	req.Header.Set("Authorization", "Bearer "+tenantToken(t, "salao"))
	req.Header.Set("Content-Type", contentType)
	return req
}

func TestAcervo_AddAndList(t *testing.T) {
	env := newTestEnv(t, nil)

	e := addFreeform(t, env, `{"title":"Horários","type":"faq","tags":["Horario"],"content":"Abrimos de terça a sábado, das 9h às 19h."}`)
	if e.ID == "" || e.SourceKind != storage.SourceFreeform || !e.Enabled {
		t.Fatalf("entry = %+v", e)
	}
	addFreeform(t, env, `{"title":"Pagamento","tags":["pagamento"],"content":"Aceitamos Pix e cartão."}`)

	rr := env.do(tenantReq(t, http.MethodGet, "/v1/tenants/salao/acervo", "", "salao"))
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rr.Code)
	}
	var list struct {
		Entries []entryView `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list.Entries) != 2 {
		t.Fatalf("listed %d entries, want 2", len(list.Entries))
	}

	rr = env.do(tenantReq(t, http.MethodGet, "/v1/tenants/salao/acervo?tags=pagamento", "", "salao"))
	list.Entries = nil
	json.Unmarshal(rr.Body.Bytes(), &list)
	if len(list.Entries) != 1 || list.Entries[0].Title != "Pagamento" {
		t.Fatalf("tag filter returned %+v", list.Entries)
	}
}

func TestAcervo_AddValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{`, `{"title":"vazio","content":"   "}`} {
		rr := env.do(tenantReq(t, http.MethodPost, "/v1/tenants/salao/acervo", body, "salao"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
	rr := env.do(tenantReq(t, http.MethodGet, "/v1/tenants/salao/acervo?limit=-1", "", "salao"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("negative limit: status = %d, want 400", rr.Code)
	}
}

func TestAcervo_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.store.EnsureTenant(ctx, "salao", 16); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}

	rr := env.do(tenantReq(t, http.MethodPost, "/v1/tenants/salao/acervo",
		`{"title":"Longo","content":"este texto passa de dezesseis bytes"}`, "salao"))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413; body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"quota_exceeded"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}

	rr = env.do(tenantReq(t, http.MethodGet, "/v1/tenants/salao/quota", "", "salao"))
	var usage struct {
		UsedBytes  int64 `json:"usedBytes"`
		QuotaBytes int64 `json:"quotaBytes"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &usage); err != nil {
		t.Fatalf("decoding usage: %v", err)
	}
	if usage.UsedBytes != 0 || usage.QuotaBytes != 16 {
		t.Fatalf("usage = %+v, want nothing used of 16", usage)
	}
}

func TestAcervo_Upload(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "Tabela")
	mw.WriteField("tags", "precos, tabela")
	mw.WriteField("priority", "1")
	fw, err := mw.CreateFormFile("file", "tabela.csv")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	fw.Write([]byte("servico,preco\ncorte,80\n"))
	mw.Close()

	req := uploadReq(t, &buf, mw.FormDataContentType())
	rr := env.do(req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}
	e := decodeEntry(t, rr)
	if e.SourceKind != storage.SourceUpload || e.Priority != 1 || len(e.Tags) != 2 {
		t.Fatalf("entry = %+v", e)
	}

	rr = env.do(tenantReq(t, http.MethodGet, "/v1/tenants/salao/quota", "", "salao"))
	if !strings.Contains(rr.Body.String(), `"uploads":23`) {
		t.Fatalf("quota body = %s", rr.Body.String())
	}
}

func TestAcervo_UploadUnsupportedType(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "foto.jpg")
	fw.Write([]byte{0xff, 0xd8, 0xff})
	mw.Close()

	req := uploadReq(t, &buf, mw.FormDataContentType())
	if rr := env.do(req); rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415; body = %s", rr.Code, rr.Body.String())
	}
}

func TestAcervo_PatchReindexDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	e := addFreeform(t, env, `{"title":"Política","content":"Cancelamentos com 24h de antecedência."}`)
	base := "/v1/tenants/salao/acervo/" + e.ID

	rr := env.do(tenantReq(t, http.MethodPatch, base, `{"enabled":false,"priority":3,"tags":["politica"]}`, "salao"))
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	patched := decodeEntry(t, rr)
	if patched.Enabled || patched.Priority != 3 || len(patched.Tags) != 1 {
		t.Fatalf("patched = %+v", patched)
	}

	rr = env.do(tenantReq(t, http.MethodPost, base+"/reindex", "", "salao"))
	if rr.Code != http.StatusOK {
		t.Fatalf("reindex: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(tenantReq(t, http.MethodDelete, base, "", "salao"))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rr.Code)
	}
	rr = env.do(tenantReq(t, http.MethodPatch, base, `{"enabled":true}`, "salao"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("patch after delete: status = %d, want 404", rr.Code)
	}
	rr = env.do(tenantReq(t, http.MethodDelete, base, "", "salao"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d, want 404", rr.Code)
	}
}

func TestAcervo_EntriesAreTenantScoped(t *testing.T) {
	env := newTestEnv(t, nil)
	e := addFreeform(t, env, `{"title":"Interno","content":"Só do salão."}`)

	rr := env.do(tenantReq(t, http.MethodDelete, "/v1/tenants/barbearia/acervo/"+e.ID, "", "barbearia"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestAcervo_SignedUploadAndImport(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(tenantReq(t, http.MethodPost, "/v1/tenants/salao/acervo/upload-url", `{"filename":"faq.txt"}`, "salao"))
	if rr.Code != http.StatusOK {
		t.Fatalf("upload-url: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var signed struct {
		Key string `json:"key"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &signed); err != nil {
		t.Fatalf("decoding signed upload: %v", err)
	}
	if !strings.HasPrefix(signed.Key, "tenants/salao/staging/") {
		t.Fatalf("key = %q", signed.Key)
	}
	u, err := url.Parse(signed.URL)
	if err != nil {
		t.Fatalf("parsing url: %v", err)
	}

	// A tampered signature is refused.
	bad := httptest.NewRequest(http.MethodPut, u.Path+"?exp="+u.Query().Get("exp")+"&sig=00", strings.NewReader("x"))
	if rr := env.do(bad); rr.Code != http.StatusForbidden {
		t.Fatalf("tampered put: status = %d, want 403", rr.Code)
	}

	put := httptest.NewRequest(http.MethodPut, u.RequestURI(), strings.NewReader("Estacionamento gratuito na rua de trás."))
	if rr := env.do(put); rr.Code != http.StatusOK {
		t.Fatalf("put: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(tenantReq(t, http.MethodPost, "/v1/tenants/salao/acervo/import",
		`{"key":"`+signed.Key+`","title":"Estacionamento","tags":["local"]}`, "salao"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("import: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if e := decodeEntry(t, rr); e.Title != "Estacionamento" || e.SourceKind != storage.SourceUpload {
		t.Fatalf("entry = %+v", e)
	}
	if _, err := env.blobs.Get(context.Background(), signed.Key); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("staged upload still present: %v", err)
	}
}

func TestAcervo_ImportRejectsForeignKeys(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, key := range []string{"tenants/barbearia/staging/x/faq.txt", "tenants/salao/acervo/e1/original.txt", "../etc/passwd"} {
		rr := env.do(tenantReq(t, http.MethodPost, "/v1/tenants/salao/acervo/import", `{"key":"`+key+`"}`, "salao"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("key %s: status = %d, want 400", key, rr.Code)
		}
	}
}

func TestAcervo_Query(t *testing.T) {
	env := newTestEnv(t, nil)
	env.querier.res = retrieval.Result{
		Answer:   "Abrimos aos sábados das 9h às 14h.",
		Reason:   retrieval.ReasonOK,
		UsedDocs: []retrieval.UsedDoc{{ID: "e1", Title: "Horários"}},
	}

	rr := env.do(tenantReq(t, http.MethodPost, "/v1/tenants/salao/acervo/query", `{"question":"abre sábado?"}`, "salao"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res retrieval.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.Reason != retrieval.ReasonOK || len(res.UsedDocs) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if env.querier.question != "abre sábado?" {
		t.Fatalf("question = %q", env.querier.question)
	}
}

func TestProfile_PutAndGet(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(tenantReq(t, http.MethodPut, "/v1/tenants/salao/profile",
		`{"persona":{"register":"formal","displayName":"Salão da Ana"},"prices":[{"name":"Corte","amountBRL":80}]}`, "salao"))
	if rr.Code != http.StatusOK {
		t.Fatalf("put: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(tenantReq(t, http.MethodGet, "/v1/tenants/salao/profile", "", "salao"))
	if rr.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"tenantId":"salao"`) || !strings.Contains(body, "Salão da Ana") {
		t.Fatalf("profile = %s", body)
	}

	rr = env.do(tenantReq(t, http.MethodPut, "/v1/tenants/salao/profile", `{"persona":{"register":"pirate"}}`, "salao"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid put: status = %d, want 400", rr.Code)
	}
}
