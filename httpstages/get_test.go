package httpstages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGet(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer ts.Close()

	stage := Get(nil, func(id string) string { return ts.URL + "/items/" + id })
	out, err := stage(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if out.Item != "42" || out.StatusCode != http.StatusOK {
		t.Errorf("response: %+v", out)
	}
	if string(out.Body) != `{"path":"/items/42"}` {
		t.Errorf("body: got %q", out.Body)
	}
}

func TestGet_Non2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	stage := Get(nil, func(string) string { return ts.URL })
	_, err := stage(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	}))
	defer ts.Close()

	body, err := Fetch(nil)(context.Background(), ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "body" {
		t.Errorf("body: got %q", body)
	}
}

func TestFetch_BadURL(t *testing.T) {
	_, err := Fetch(nil)(context.Background(), "://missing-scheme")
	if err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestFetch_Canceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Fetch(ts.Client())(ctx, ts.URL); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
