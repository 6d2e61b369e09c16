// Package main provides an HTTP API server for the btidx library.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/oda/btidx"
	"github.com/oda/btidx/internal/block"
)

// Server holds the attached tree and provides HTTP handlers.
type Server struct {
	tree *btidx.Tree
	dev  *block.FileDevice
	path string
	log  *zap.Logger
	mu   sync.RWMutex
}

// Response is a generic JSON response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StatusResponse contains index status information.
type StatusResponse struct {
	Attached bool   `json:"attached"`
	Path     string `json:"path,omitempty"`
	Root     uint32 `json:"root,omitempty"`
	Count    int    `json:"count,omitempty"`
	Free     int    `json:"free,omitempty"`
}

// KeyValue represents a key-value pair.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AttachRequest is the request body for attaching an index file.
type AttachRequest struct {
	Path      string `json:"path"`
	BlockSize uint32 `json:"blockSize"`
	NumBlocks uint32 `json:"numBlocks"`
	KeySize   uint32 `json:"keySize"`
	ValueSize uint32 `json:"valueSize"`
	Create    bool   `json:"create"`
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &Server{log: log}

	corsHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			h(w, r)
		}
	}

	http.HandleFunc("/api/status", corsHandler(server.handleStatus))
	http.HandleFunc("/api/attach", corsHandler(server.handleAttach))
	http.HandleFunc("/api/detach", corsHandler(server.handleDetach))
	http.HandleFunc("/api/lookup", corsHandler(server.handleLookup))
	http.HandleFunc("/api/insert", corsHandler(server.handleInsert))
	http.HandleFunc("/api/update", corsHandler(server.handleUpdate))
	http.HandleFunc("/api/display", corsHandler(server.handleDisplay))
	http.HandleFunc("/api/sanity", corsHandler(server.handleSanity))

	log.Info("btidx API server starting", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, btidx.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, btidx.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, btidx.ErrBadConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := StatusResponse{
		Attached: s.tree != nil,
		Path:     s.path,
	}
	if s.tree != nil {
		status.Root = s.tree.Root()
		if count, err := s.tree.Count(); err == nil {
			status.Count = count
		}
		if free, err := s.tree.FreeBlocks(); err == nil {
			status.Free = free
		}
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: status})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	var req AttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body"})
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "path is required"})
		return
	}
	if req.BlockSize == 0 {
		req.BlockSize = 4096
	}
	if req.NumBlocks == 0 {
		req.NumBlocks = 1024
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree != nil {
		s.tree.Detach()
		s.dev.Close()
		s.tree = nil
		s.dev = nil
	}

	dev, err := block.OpenFileDevice(req.Path, req.BlockSize, req.NumBlocks)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Error: fmt.Sprintf("failed to open device: %v", err)})
		return
	}

	tree := btidx.New(req.KeySize, req.ValueSize, dev, btidx.WithLogger(s.log))
	if err := tree.Attach(0, req.Create); err != nil {
		dev.Close()
		writeJSON(w, errStatus(err), Response{Error: fmt.Sprintf("attach failed: %v", err)})
		return
	}

	s.tree = tree
	s.dev = dev
	s.path = req.Path
	s.log.Info("attached index",
		zap.String("path", req.Path),
		zap.Bool("create", req.Create))

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    StatusResponse{Attached: true, Path: req.Path, Root: tree.Root()},
	})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no index attached"})
		return
	}
	if err := s.tree.Detach(); err != nil {
		writeJSON(w, errStatus(err), Response{Error: fmt.Sprintf("detach failed: %v", err)})
		return
	}
	if err := s.dev.Close(); err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Error: fmt.Sprintf("close failed: %v", err)})
		return
	}
	s.tree = nil
	s.dev = nil
	s.path = ""

	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "key is required"})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tree == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no index attached"})
		return
	}

	val, err := s.tree.Lookup([]byte(key))
	if err != nil {
		writeJSON(w, errStatus(err), Response{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    KeyValue{Key: key, Value: string(val)},
	})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, func(kv KeyValue) error {
		return s.tree.Insert([]byte(kv.Key), []byte(kv.Value))
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.handleWrite(w, r, func(kv KeyValue) error {
		return s.tree.Update([]byte(kv.Key), []byte(kv.Value))
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, op func(KeyValue) error) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	var kv KeyValue
	if err := json.NewDecoder(r.Body).Decode(&kv); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no index attached"})
		return
	}
	if err := op(kv); err != nil {
		writeJSON(w, errStatus(err), Response{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: kv})
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	mode := btidx.DisplayDepth
	switch r.URL.Query().Get("mode") {
	case "", "depth":
	case "dot":
		mode = btidx.DisplayDepthDot
	case "sorted":
		mode = btidx.DisplaySortedKeyVal
	default:
		writeJSON(w, http.StatusBadRequest, Response{Error: "mode must be depth, dot, or sorted"})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tree == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no index attached"})
		return
	}

	var buf strings.Builder
	if err := s.tree.Display(&buf, mode); err != nil {
		writeJSON(w, errStatus(err), Response{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, buf.String())
}

func (s *Server) handleSanity(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tree == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no index attached"})
		return
	}
	if err := s.tree.SanityCheck(); err != nil {
		writeJSON(w, http.StatusConflict, Response{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}
