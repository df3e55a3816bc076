package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	ctrstream "github.com/devgianlu/go-ctrstream"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const timeout = 10 * time.Second

type ApiServer struct {
	allowOrigin string
	certFile    string
	keyFile     string

	close    bool
	listener net.Listener

	requests chan ApiRequest

	clients     []*websocket.Conn
	clientsLock sync.RWMutex
}

var (
	ErrNoStream         = errors.New("no stream loaded")
	ErrBadRequest       = errors.New("bad request")
	ErrMethodNotAllowed = errors.New("method not allowed")
)

type ApiRequestType string

const (
	ApiRequestTypeStatus ApiRequestType = "status"
	ApiRequestTypeLoad   ApiRequestType = "load"
	ApiRequestTypeSeek   ApiRequestType = "seek"
	ApiRequestTypeStop   ApiRequestType = "stop"
	ApiRequestTypeData   ApiRequestType = "data"
)

type ApiEventType string

const (
	ApiEventTypeProgress        ApiEventType = "progress"
	ApiEventTypeFinishedLoading ApiEventType = "finished_loading"
	ApiEventTypeSetupError      ApiEventType = "setup_error"
	ApiEventTypeFinishedPlaying ApiEventType = "finished_playing"
	ApiEventTypeStreamError     ApiEventType = "stream_error"
)

type ApiRequest struct {
	Type ApiRequestType
	Data any

	ctx  context.Context
	resp chan apiResponse
}

func (r *ApiRequest) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}

	return r.ctx
}

func (r *ApiRequest) Reply(data any, err error) {
	r.resp <- apiResponse{data, err}
}

type ApiRequestDataLoad struct {
	Url         string `json:"url"`
	Key         string `json:"key"`
	CounterBase string `json:"counter_base"`
	Offset      int64  `json:"offset"`
	Bitrate     int    `json:"bitrate"`
	DurationMs  int64  `json:"duration_ms"`
}

type ApiRequestDataSeek struct {
	Position *int64   `json:"position"`
	Seconds  *float64 `json:"seconds"`
}

// ApiRequestDataData asks for the stream body, optionally seeking first.
type ApiRequestDataData struct {
	Seek *int64
}

type apiResponse struct {
	data any
	err  error
}

type ApiResponseStatus struct {
	State           string  `json:"state"`
	SessionId       string  `json:"session_id"`
	Loaded          bool    `json:"loaded"`
	Url             string  `json:"url,omitempty"`
	Encrypted       bool    `json:"encrypted"`
	Position        int64   `json:"position"`
	PositionSeconds float64 `json:"position_seconds,omitempty"`
	Length          int64   `json:"length"`
	Bitrate         int     `json:"bitrate,omitempty"`
	DurationMs      int64   `json:"duration_ms,omitempty"`
	CustomDuration  bool    `json:"custom_duration"`
}

type ApiEvent struct {
	Type ApiEventType `json:"type"`
	Data any          `json:"data"`
}

type ApiEventDataProgress struct {
	SessionId string `json:"session_id"`
	ChunkSize int    `json:"chunk_size"`
	Position  int64  `json:"position"`
	Encrypted bool   `json:"encrypted"`
}

type ApiEventDataFinishedLoading struct {
	SessionId  string `json:"session_id"`
	Success    bool   `json:"success"`
	Url        string `json:"url"`
	Encrypted  bool   `json:"encrypted"`
	Bitrate    int    `json:"bitrate,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type ApiEventDataError struct {
	SessionId string `json:"session_id"`
	Error     string `json:"error"`
}

type ApiEventDataFinishedPlaying struct {
	SessionId string `json:"session_id"`
}

var rangeRegexp = regexp.MustCompile(`^bytes=(\d+)-$`)

func NewApiServer(address string, port int, allowOrigin string, certFile string, keyFile string) (_ *ApiServer, err error) {
	s := &ApiServer{allowOrigin: allowOrigin, certFile: certFile, keyFile: keyFile}
	s.requests = make(chan ApiRequest)

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting api listener: %w", err)
	}

	log.Infof("api server listening on %s", s.listener.Addr())

	go s.serve()
	return s, nil
}

func NewStubApiServer() (*ApiServer, error) {
	s := &ApiServer{}
	s.requests = make(chan ApiRequest)
	return s, nil
}

func (s *ApiServer) Addr() net.Addr {
	return s.listener.Addr()
}

func statusForError(err error) int {
	var cfgErr *ctrstream.ConfigurationError
	var transportErr *ctrstream.TransportError
	switch {
	case errors.Is(err, ErrNoStream), errors.Is(err, ctrstream.ErrSessionClosed):
		return http.StatusNoContent
	case errors.Is(err, ErrBadRequest), errors.Is(err, ctrstream.ErrUnknownBitrate), errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.As(err, &transportErr):
		return http.StatusBadGateway
	case errors.Is(err, ctrstream.ErrReleased):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *ApiServer) handleRequest(r *http.Request, req ApiRequest, w http.ResponseWriter) {
	req.ctx = r.Context()
	req.resp = make(chan apiResponse, 1)
	s.requests <- req
	resp := <-req.resp

	if resp.err != nil {
		status := statusForError(resp.err)
		if status == http.StatusInternalServerError {
			log.WithError(resp.err).Errorf("failed handling request %s", req.Type)
		} else {
			log.WithError(resp.err).Debugf("request %s failed with status %d", req.Type, status)
		}

		w.WriteHeader(status)
		return
	}

	switch respData := resp.data.(type) {
	case io.Reader:
		w.Header().Set("Content-Type", "application/octet-stream")
		if n, err := io.Copy(w, respData); err != nil {
			log.WithError(err).Warnf("stream body interrupted after %d bytes", n)
		}
	case nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(respData)
	}
}

func (s *ApiServer) serve() {
	m := http.NewServeMux()
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})
	m.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.handleRequest(r, ApiRequest{Type: ApiRequestTypeStatus}, w)
	})
	m.HandleFunc("/stream/load", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var data ApiRequestDataLoad
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if len(data.Url) == 0 || data.Offset < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(r, ApiRequest{Type: ApiRequestTypeLoad, Data: data}, w)
	})
	m.HandleFunc("/stream/seek", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var data ApiRequestDataSeek
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if (data.Position == nil) == (data.Seconds == nil) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(r, ApiRequest{Type: ApiRequestTypeSeek, Data: data}, w)
	})
	m.HandleFunc("/stream/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.handleRequest(r, ApiRequest{Type: ApiRequestTypeStop}, w)
	})
	m.HandleFunc("/stream/data", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var data ApiRequestDataData
		if header := r.Header.Get("Range"); len(header) > 0 {
			match := rangeRegexp.FindStringSubmatch(strings.TrimSpace(header))
			if len(match) == 0 {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}

			pos, err := strconv.ParseInt(match[1], 10, 64)
			if err != nil {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}

			data.Seek = &pos
		}

		s.handleRequest(r, ApiRequest{Type: ApiRequestTypeData, Data: data}, w)
	})
	m.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		opts := &websocket.AcceptOptions{}
		if len(s.allowOrigin) > 0 {
			allow := s.allowOrigin
			allow = strings.TrimPrefix(allow, "http://")
			allow = strings.TrimPrefix(allow, "https://")
			allow = strings.TrimSuffix(allow, "/")
			opts.OriginPatterns = []string{allow}
		}

		c, err := websocket.Accept(w, r, opts)
		if err != nil {
			log.WithError(err).Error("failed accepting websocket connection")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		// add the client to the list
		s.clientsLock.Lock()
		s.clients = append(s.clients, c)
		s.clientsLock.Unlock()

		log.Debugf("new websocket client")

		for {
			_, _, err := c.Read(context.Background())
			if s.close {
				return
			} else if err != nil {
				log.WithError(err).Debugf("websocket connection closed")

				// remove the client from the list
				s.clientsLock.Lock()
				for i, cc := range s.clients {
					if cc == c {
						s.clients = append(s.clients[:i], s.clients[i+1:]...)
						break
					}
				}
				s.clientsLock.Unlock()
				return
			}
		}
	})

	c := cors.New(cors.Options{
		AllowedOrigins:      []string{s.allowOrigin},
		AllowedHeaders:      []string{"Range", "Content-Type"},
		AllowPrivateNetwork: true,
		AllowCredentials:    true,
	})

	var err error
	if len(s.certFile) > 0 && len(s.keyFile) > 0 {
		err = http.ServeTLS(s.listener, c.Handler(m), s.certFile, s.keyFile)
	} else {
		err = http.Serve(s.listener, c.Handler(m))
	}

	if s.close {
		return
	} else if err != nil {
		log.WithError(err).Fatal("failed serving api")
	}
}

func (s *ApiServer) Emit(ev *ApiEvent) {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	if ev.Type != ApiEventTypeProgress {
		log.Tracef("emitting websocket event: %s", ev.Type)
	}

	for _, client := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := wsjson.Write(ctx, client, ev)
		cancel()
		if err != nil {
			// purposely do not propagate this to the caller
			log.WithError(err).Error("failed communicating with websocket client")
		}
	}
}

func (s *ApiServer) Receive() <-chan ApiRequest {
	return s.requests
}

func (s *ApiServer) Close() {
	s.close = true

	// close all websocket clients
	s.clientsLock.RLock()
	for _, client := range s.clients {
		_ = client.Close(websocket.StatusGoingAway, "")
	}
	s.clientsLock.RUnlock()

	// close the listener
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
