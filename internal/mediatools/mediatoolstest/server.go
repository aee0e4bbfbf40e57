// Package mediatoolstest provides an in-memory media-tools service for tests.
package mediatoolstest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/bobarin/storyreel/internal/models"
)

// Call is one request observed by the server.
type Call struct {
	Op       string          // upload, status, download, tts-captioned-video, merge, add-colorkey-overlay, source
	AssetID  string          // returned or requested id
	Kind     string          // media_type for uploads
	Filename string          // uploaded filename
	Body     json.RawMessage // JSON body for tool calls
}

// Server fakes the media store and video tools. Ids are allocated
// deterministically as "<prefix>-<n>" per prefix, starting at 1.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	calls    []Call
	counters map[string]int
	assets   map[string][]byte
	statuses map[string][]models.AssetStatus

	// Prefixes maps an upload kind or tool op to an id prefix.
	Prefixes map[string]string
	// UploadPrefix, when set, overrides the prefix for an upload.
	UploadPrefix func(kind, filename string) string
	// ToolID, when set and returning non-empty, chooses the id of a tool result.
	ToolID func(op string, body []byte) string
	// Fail makes the named op answer with the given status code.
	Fail map[string]int
	// Sources are served under /sources/{name} for Fetch.
	Sources map[string][]byte
}

func NewServer() *Server {
	s := &Server{
		counters: make(map[string]int),
		assets:   make(map[string][]byte),
		statuses: make(map[string][]models.AssetStatus),
		Prefixes: map[string]string{
			"image":                "img",
			"audio":                "aud",
			"video":                "vid",
			"tts-captioned-video":  "clip",
			"merge":                "merged",
			"add-colorkey-overlay": "final",
		},
		Fail:    make(map[string]int),
		Sources: make(map[string][]byte),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// SetStatuses scripts the statuses returned for an asset, one per status call.
// Once the script is used up the asset reports ready.
func (s *Server) SetStatuses(assetID string, statuses ...models.AssetStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[assetID] = statuses
	if _, ok := s.assets[assetID]; !ok {
		s.assets[assetID] = nil
	}
}

// Calls returns a copy of the observed calls, optionally filtered by op.
func (s *Server) Calls(ops ...string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if len(ops) == 0 || contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// SourceURL returns the URL Fetch should use to get the named source.
func (s *Server) SourceURL(name string) string {
	return s.URL + "/sources/" + name
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	switch {
	case r.Method == http.MethodPost && p == "/storage":
		s.upload(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(p, "/storage/") && strings.HasSuffix(p, "/status"):
		s.status(w, strings.TrimSuffix(strings.TrimPrefix(p, "/storage/"), "/status"))
	case r.Method == http.MethodGet && strings.HasPrefix(p, "/storage/"):
		s.download(w, strings.TrimPrefix(p, "/storage/"))
	case r.Method == http.MethodPost && strings.HasPrefix(p, "/video-tools/"):
		op := p[strings.LastIndex(p, "/")+1:]
		s.tool(w, r, op)
	case r.Method == http.MethodGet && strings.HasPrefix(p, "/sources/"):
		s.source(w, r, strings.TrimPrefix(p, "/sources/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if code := s.failCode("upload"); code != 0 {
		writeJSON(w, code, map[string]string{"error": "upload rejected"})
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	kind := r.FormValue("media_type")
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file"})
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	s.mu.Lock()
	prefix := s.Prefixes[kind]
	if s.UploadPrefix != nil {
		if p := s.UploadPrefix(kind, header.Filename); p != "" {
			prefix = p
		}
	}
	id := s.nextID(prefix)
	s.assets[id] = data
	s.calls = append(s.calls, Call{Op: "upload", AssetID: id, Kind: kind, Filename: header.Filename})
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"file_id": id})
}

func (s *Server) status(w http.ResponseWriter, id string) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: "status", AssetID: id})
	_, known := s.assets[id]
	var status models.AssetStatus = models.AssetStatusReady
	if script := s.statuses[id]; len(script) > 0 {
		status = script[0]
		s.statuses[id] = script[1:]
	}
	s.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": string(models.AssetStatusNotFound)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) download(w http.ResponseWriter, id string) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: "download", AssetID: id})
	data, ok := s.assets[id]
	s.mu.Unlock()

	if code := s.failCode("download"); code != 0 {
		writeJSON(w, code, map[string]string{"error": "download rejected"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) tool(w http.ResponseWriter, r *http.Request, op string) {
	body, _ := io.ReadAll(r.Body)
	if code := s.failCode(op); code != 0 {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Op: op, Body: body})
		s.mu.Unlock()
		writeJSON(w, code, map[string]string{"error": op + " rejected"})
		return
	}

	s.mu.Lock()
	var id string
	if s.ToolID != nil {
		id = s.ToolID(op, body)
	}
	if id == "" {
		id = s.nextID(s.Prefixes[op])
	}
	s.assets[id] = []byte(op + ":" + id)
	s.calls = append(s.calls, Call{Op: op, AssetID: id, Body: body})
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"file_id": id})
}

func (s *Server) source(w http.ResponseWriter, r *http.Request, name string) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: "source", Filename: name})
	data, ok := s.Sources[name]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (s *Server) failCode(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Fail[op]
}

// nextID must be called with s.mu held.
func (s *Server) nextID(prefix string) string {
	if prefix == "" {
		prefix = "asset"
	}
	s.counters[prefix]++
	return fmt.Sprintf("%s-%d", prefix, s.counters[prefix])
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
