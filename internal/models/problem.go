package models

import (
	"encoding/json"
	"net/http"

	"orbmesh/internal/apperr"
)

// Problem — RFC 7807 body.
type Problem struct {
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Detail string            `json:"detail,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, extra map[string]string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
		Extra:  extra,
	})
}

// WriteError маппит ошибку домена через apperr.Status.
// Детали внутренних (500) ошибок наружу не отдаём.
func WriteError(w http.ResponseWriter, err error) {
	st := apperr.Status(err)
	detail := apperr.Message(err)
	if st == http.StatusInternalServerError {
		detail = "internal error"
	}
	WriteProblem(w, st, apperr.Title(st), detail, nil)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
