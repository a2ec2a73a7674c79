// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldserver is a reference REST backend for the fieldsync client:
// JWT-authenticated CRUD over the five entity collections, backed by SQLite.
// It serves as the local development target and the integration-test
// backend, and documents the wire contract the client consumes.
package fieldserver

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldops/go-fieldsync/fieldsync"
	"github.com/fieldops/go-fieldsync/internal/auth"
)

// Server owns the backend storage and HTTP surface.
type Server struct {
	db     *sql.DB
	auth   *JWTAuth
	logger *slog.Logger
}

// NewServer initializes backend storage on db. Records are scoped per user;
// the server always assigns the canonical record id on create.
func NewServer(db *sql.DB, jwtSecret string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			user_id    TEXT NOT NULL,
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, collection, id)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}
	return &Server{db: db, auth: NewJWTAuth(jwtSecret), logger: logger}, nil
}

// Auth exposes the authenticator so callers can mint tokens for clients.
func (s *Server) Auth() *JWTAuth { return s.auth }

// Handler returns the routed HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	for _, entity := range fieldsync.AllEntityTypes {
		collection := string(entity)
		path := entity.RemotePath()
		mux.Handle("GET "+path, s.auth.Middleware(s.handleList(collection)))
		mux.Handle("POST "+path, s.auth.Middleware(s.handleCreate(collection)))
		mux.Handle("GET "+path+"/{id}", s.auth.Middleware(s.handleGet(collection)))
		mux.Handle("PUT "+path+"/{id}", s.auth.Middleware(s.handleUpdate(collection)))
		mux.Handle("DELETE "+path+"/{id}", s.auth.Middleware(s.handleDelete(collection)))
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	collections := make([]string, 0, len(fieldsync.AllEntityTypes))
	for _, entity := range fieldsync.AllEntityTypes {
		collections = append(collections, string(entity))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"app_name":    "fieldserver",
		"collections": collections,
	})
}

func (s *Server) handleList(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, _ := auth.IdentityFrom(r.Context())
		rows, err := s.db.QueryContext(r.Context(), `
			SELECT payload FROM records
			WHERE user_id = ? AND collection = ?
			ORDER BY updated_at, id
		`, ident.UserID, collection)
		if err != nil {
			s.internalError(w, "list", collection, err)
			return
		}
		defer rows.Close()

		results := []json.RawMessage{}
		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				s.internalError(w, "list", collection, err)
				return
			}
			results = append(results, json.RawMessage(payload))
		}
		if err := rows.Err(); err != nil {
			s.internalError(w, "list", collection, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func (s *Server) handleGet(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, _ := auth.IdentityFrom(r.Context())
		id := r.PathValue("id")
		var payload string
		err := s.db.QueryRowContext(r.Context(), `
			SELECT payload FROM records WHERE user_id = ? AND collection = ? AND id = ?
		`, ident.UserID, collection, id).Scan(&payload)
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s %s not found", collection, id))
			return
		}
		if err != nil {
			s.internalError(w, "get", collection, err)
			return
		}
		writeRaw(w, http.StatusOK, json.RawMessage(payload))
	}
}

func (s *Server) handleCreate(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, _ := auth.IdentityFrom(r.Context())
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
			return
		}
		if body == nil {
			body = map[string]any{}
		}

		// The server is the sole arbiter of record identity: a client-supplied
		// id is kept only as client_id for traceability.
		if clientID, ok := body["id"].(string); ok && clientID != "" {
			body["client_id"] = clientID
		}
		id := uuid.New().String()
		body["id"] = id
		now := time.Now().UTC().Format(time.RFC3339Nano)
		body["updated_at"] = now

		payload, err := json.Marshal(body)
		if err != nil {
			s.internalError(w, "create", collection, err)
			return
		}
		if _, err := s.db.ExecContext(r.Context(), `
			INSERT INTO records (user_id, collection, id, payload, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, ident.UserID, collection, id, string(payload), now); err != nil {
			s.internalError(w, "create", collection, err)
			return
		}
		writeRaw(w, http.StatusCreated, payload)
	}
}

func (s *Server) handleUpdate(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, _ := auth.IdentityFrom(r.Context())
		id := r.PathValue("id")

		var existing string
		err := s.db.QueryRowContext(r.Context(), `
			SELECT payload FROM records WHERE user_id = ? AND collection = ? AND id = ?
		`, ident.UserID, collection, id).Scan(&existing)
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s %s not found", collection, id))
			return
		}
		if err != nil {
			s.internalError(w, "update", collection, err)
			return
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
			return
		}

		merged := map[string]any{}
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			s.internalError(w, "update", collection, err)
			return
		}
		for k, v := range body {
			merged[k] = v
		}
		merged["id"] = id
		now := time.Now().UTC().Format(time.RFC3339Nano)
		merged["updated_at"] = now

		payload, err := json.Marshal(merged)
		if err != nil {
			s.internalError(w, "update", collection, err)
			return
		}
		if _, err := s.db.ExecContext(r.Context(), `
			UPDATE records SET payload = ?, updated_at = ?
			WHERE user_id = ? AND collection = ? AND id = ?
		`, string(payload), now, ident.UserID, collection, id); err != nil {
			s.internalError(w, "update", collection, err)
			return
		}
		writeRaw(w, http.StatusOK, payload)
	}
}

func (s *Server) handleDelete(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, _ := auth.IdentityFrom(r.Context())
		id := r.PathValue("id")
		res, err := s.db.ExecContext(r.Context(), `
			DELETE FROM records WHERE user_id = ? AND collection = ? AND id = ?
		`, ident.UserID, collection, id)
		if err != nil {
			s.internalError(w, "delete", collection, err)
			return
		}
		affected, err := res.RowsAffected()
		if err != nil {
			s.internalError(w, "delete", collection, err)
			return
		}
		if affected == 0 {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s %s not found", collection, id))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op, collection string, err error) {
	s.logger.Error("Request failed", "op", op, "collection", collection, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "request failed")
}

// writeError writes the JSON error envelope {error, message}.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
