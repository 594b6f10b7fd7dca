package testutil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Fault makes the FileServer misbehave for one path
type Fault struct {
	// Status is returned instead of the content, if non-zero
	Status int
	// Times limits how many requests fail; zero or negative means every request
	Times int
	// Corrupt serves bytes that do not match the published digest
	Corrupt bool
	// Stall sends the first half of the body then blocks until the client goes away
	Stall bool
}

// FileServer is an httptest server serving in-memory files with Range
// support, fault injection and request accounting
type FileServer struct {
	*httptest.Server

	mu          sync.Mutex
	files       map[string][]byte
	faults      map[string]*Fault
	requests    map[string]int
	ranges      map[string][]string
	auth        map[string]string
	inFlight    int
	maxInFlight int
	delay       time.Duration
	noRanges    bool
	stalled     chan string
}

// NewFileServer starts a server that is closed when the test ends
func NewFileServer(t testing.TB) *FileServer {
	t.Helper()
	s := &FileServer{
		files:    make(map[string][]byte),
		faults:   make(map[string]*Fault),
		requests: make(map[string]int),
		ranges:   make(map[string][]string),
		auth:     make(map[string]string),
		stalled:  make(chan string, 16),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Put publishes data at path (leading slash optional)
func (s *FileServer) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[normalize(path)] = data
}

// Fail installs a fault for path
func (s *FileServer) Fail(path string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[normalize(path)] = &f
}

// SetDelay holds every response for d before writing, to make overlap observable
func (s *FileServer) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// DisableRanges makes the server ignore Range headers and always send 200
func (s *FileServer) DisableRanges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noRanges = true
}

// URL returns the absolute URL of path
func (s *FileServer) URL(path string) string {
	return s.Server.URL + "/" + normalize(path)
}

// Requests returns how many requests path received
func (s *FileServer) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[normalize(path)]
}

// RangeHeaders returns the Range headers sent for path, in order
func (s *FileServer) RangeHeaders(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges[normalize(path)]...)
}

// Authorization returns the last Authorization header sent for path
func (s *FileServer) Authorization(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth[normalize(path)]
}

// MaxInFlight is the highest number of requests served concurrently
func (s *FileServer) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Stalled receives the path of every request that hit a Stall fault
func (s *FileServer) Stalled() <-chan string {
	return s.stalled
}

func (s *FileServer) serve(w http.ResponseWriter, r *http.Request) {
	path := normalize(r.URL.Path)

	s.mu.Lock()
	s.requests[path]++
	s.ranges[path] = append(s.ranges[path], r.Header.Get("Range"))
	s.auth[path] = r.Header.Get("Authorization")
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	data, ok := s.files[path]
	fault := s.faults[path]
	active := fault != nil && (fault.Times <= 0 || s.requests[path] <= fault.Times)
	delay := s.delay
	noRanges := s.noRanges
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if !ok {
		http.NotFound(w, r)
		return
	}

	if active {
		switch {
		case fault.Status != 0:
			http.Error(w, http.StatusText(fault.Status), fault.Status)
			return
		case fault.Corrupt:
			data = bytes.Repeat([]byte{'x'}, len(data))
		case fault.Stall:
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data[:len(data)/2])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			s.stalled <- path
			<-r.Context().Done()
			return
		}
	}

	if noRanges {
		r.Header.Del("Range")
	}
	http.ServeContent(w, r, path, time.Time{}, bytes.NewReader(data))
}

func normalize(path string) string {
	return strings.TrimPrefix(path, "/")
}
