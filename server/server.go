package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/newgrp/pushrelay/clock"
	"github.com/newgrp/pushrelay/push"
)

const (
	// Request parameter names.
	argChannel = "channel"
	argMax     = "max"
	argWait    = "wait"

	// REST method names.
	methodRegisterDeviceToken       = "register_device_token"
	methodRegisterToken             = "register_token"
	methodReportRegistrationFailure = "report_registration_failure"
	methodDeliver                   = "deliver"
	methodPollMessages              = "poll_messages"
	methodStatus                    = "status"

	// Largest request body accepted.
	maxBodySize = 1 << 20

	// Longest a poll may wait for messages.
	maxPollWait = time.Minute
)

type RegisterDeviceTokenReq struct {
	DeviceToken string `json:"deviceToken"`
}

type RegisterTokenReq struct {
	Token string `json:"token"`
}

type RegisterTokenResp struct {
	Changed bool `json:"changed"`
}

type ReportRegistrationFailureReq struct {
	Error string `json:"error"`
}

type DeliverResp struct {
	Notification push.Notification `json:"notification"`
}

type PollMessagesResp struct {
	Messages []push.WebMessage `json:"messages"`
}

type StatusResp struct {
	RelayID string           `json:"relayID"`
	Tokens  push.Tokens      `json:"tokens"`
	Stats   push.Stats       `json:"stats"`
	Outbox  push.OutboxStats `json:"outbox"`
	Clock   *clock.Status    `json:"clock,omitempty"`
}

// Empty response for methods that only report success.
type emptyResp struct{}

// Parses a wait duration, which may be either:
//
//   - integer seconds
//   - a Go duration string such as "1m30s"
//
// Waits longer than maxPollWait are shortened to maxPollWait.
func parseWait(s string) (time.Duration, error) {
	var d time.Duration
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(sec) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("wait must be given either as integer seconds or a duration such as \"30s\"")
	}

	if d < 0 {
		return 0, fmt.Errorf("wait must not be negative")
	}
	return min(d, maxPollWait), nil
}

// HTTP handler that depends on URL parameters and the request body. Returns (JSON-encodable
// value, HTTP status code, error message).
type simpleHandler = func(ctx context.Context, query url.Values, body []byte) (any, int, string)

// makeHandler converts a simpleHandler to an http.HandlerFunc.
func makeHandler(h simpleHandler) http.HandlerFunc {
	return func(resp http.ResponseWriter, req *http.Request) {
		query, err := url.ParseQuery(req.URL.RawQuery)
		if err != nil {
			resp.WriteHeader(http.StatusBadRequest)
			resp.Write([]byte(fmt.Sprintf("Could not parse request parameters: %v\n", err)))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(resp, req.Body, maxBodySize))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			resp.WriteHeader(status)
			resp.Write([]byte(fmt.Sprintf("Could not read request body: %v\n", err)))
			return
		}

		value, status, message := h(req.Context(), query, body)

		var out string
		if status == http.StatusOK {
			b := &strings.Builder{}
			e := json.NewEncoder(b)
			e.SetEscapeHTML(false)
			if err = e.Encode(value); err != nil {
				log.Printf("ERROR: Failed to encode value of type %T as JSON: %v", value, err)
				resp.WriteHeader(http.StatusInternalServerError)
				return
			}
			out = b.String()
			resp.Header().Set("Content-Type", "application/json")
		} else {
			out = message
		}
		if len(out) != 0 && out[len(out)-1] != '\n' {
			out = fmt.Sprintf("%s\n", out)
		}

		resp.WriteHeader(status)
		resp.Write([]byte(out))
	}
}

// Decodes a JSON request body into v. An empty body leaves v untouched.
func decodeBody(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.UseNumber()
	return d.Decode(v)
}

// Server options.
type Options struct {
	// Addresses of permitted NTS servers. If empty, the system clock is used.
	NTSServers []string
	// Overrides the clock built from NTSServers.
	Clock clock.Clock
	// Number of messages the web view outbox holds.
	OutboxCapacity int
	// Number of recent deliveries remembered for duplicate suppression.
	DedupWindow int
}

// Server that feeds platform callbacks into the relay and lets the web view poll for messages.
type Server struct {
	clock  clock.Clock
	relay  *push.Relay
	outbox *push.Outbox
}

// Constructs a new server. ctx bounds background work such as NTS polling.
func NewServer(ctx context.Context, opts Options) (*Server, error) {
	clk := opts.Clock
	if clk == nil {
		if len(opts.NTSServers) == 0 {
			log.Printf("No NTS servers configured, using the system clock")
			clk = clock.System{}
		} else {
			secure, err := clock.NewSecureClock(ctx, opts.NTSServers)
			if err != nil {
				return nil, err
			}
			clk = secure
		}
	}

	outbox := push.NewOutbox(opts.OutboxCapacity)
	relay := push.NewRelay(clk, outbox, push.Options{DedupWindow: opts.DedupWindow})
	log.Printf("Relay %s initialized", relay.ID())

	return &Server{clock: clk, relay: relay, outbox: outbox}, nil
}

// Simple handler for APNs device token registration.
func (s *Server) registerDeviceToken(body []byte) (*emptyResp, int, string) {
	var req RegisterDeviceTokenReq
	if err := decodeBody(body, &req); err != nil {
		return nil, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err)
	}
	token, err := hex.DecodeString(req.DeviceToken)
	if err != nil || len(token) == 0 {
		return nil, http.StatusBadRequest, "deviceToken must be a non-empty hex string"
	}

	if err := s.relay.SetDeviceToken(token); err != nil {
		log.Printf("ERROR: Failed to store device token: %+v", err)
		return nil, http.StatusInternalServerError, "Server failed to store device token"
	}
	return &emptyResp{}, http.StatusOK, ""
}

// Simple handler for Firebase registration token updates.
func (s *Server) registerToken(ctx context.Context, body []byte) (*RegisterTokenResp, int, string) {
	var req RegisterTokenReq
	if err := decodeBody(body, &req); err != nil {
		return nil, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err)
	}

	changed, err := s.relay.SetRegistrationToken(ctx, req.Token)
	if err != nil {
		log.Printf("ERROR: Failed to update registration token: %+v", err)
		return nil, http.StatusInternalServerError, "Server failed to update registration token"
	}
	return &RegisterTokenResp{Changed: changed}, http.StatusOK, ""
}

// Simple handler for registration failure reports.
func (s *Server) reportRegistrationFailure(body []byte) (*emptyResp, int, string) {
	var req ReportRegistrationFailureReq
	if err := decodeBody(body, &req); err != nil {
		return nil, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err)
	}
	if req.Error == "" {
		return nil, http.StatusBadRequest, "error is required"
	}

	s.relay.RecordRegistrationFailure(errors.New(req.Error))
	return &emptyResp{}, http.StatusOK, ""
}

// Simple handler for notification deliveries.
func (s *Server) deliver(ctx context.Context, query url.Values, body []byte) (*DeliverResp, int, string) {
	if !query.Has(argChannel) {
		return nil, http.StatusBadRequest, fmt.Sprintf("%q parameter is required", argChannel)
	}
	ch, err := push.ParseChannel(query.Get(argChannel))
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Sprintf("Invalid %q parameter: %v", argChannel, err)
	}

	var payload map[string]any
	if err := decodeBody(body, &payload); err != nil {
		return nil, http.StatusBadRequest, fmt.Sprintf("Payload must be a JSON object: %v", err)
	}

	n, err := s.relay.Deliver(ctx, ch, payload)
	if errors.Is(err, push.ErrDuplicate) {
		return nil, http.StatusConflict, "Notification was already delivered"
	}
	if err != nil {
		log.Printf("ERROR: Failed to deliver notification via %s: %+v", ch, err)
		return nil, http.StatusInternalServerError, "Server failed to deliver notification"
	}
	return &DeliverResp{Notification: n}, http.StatusOK, ""
}

// Simple handler for web view polls.
func (s *Server) pollMessages(ctx context.Context, query url.Values) (*PollMessagesResp, int, string) {
	limit := 0
	if query.Has(argMax) {
		n, err := strconv.Atoi(query.Get(argMax))
		if err != nil || n < 0 {
			return nil, http.StatusBadRequest, fmt.Sprintf("Invalid %q parameter: must be a non-negative integer", argMax)
		}
		limit = n
	}

	var wait time.Duration
	if query.Has(argWait) {
		d, err := parseWait(query.Get(argWait))
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Sprintf("Invalid %q parameter: %v", argWait, err)
		}
		wait = d
	}

	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		err := s.outbox.Wait(waitCtx)
		cancel()
		// Running out of time just means there is nothing to return.
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, http.StatusServiceUnavailable, "Poll was cancelled"
		}
	}

	msgs := s.outbox.Drain(limit)
	if msgs == nil {
		msgs = []push.WebMessage{}
	}
	return &PollMessagesResp{Messages: msgs}, http.StatusOK, ""
}

// Simple handler for status requests.
func (s *Server) status() (*StatusResp, int, string) {
	resp := &StatusResp{
		RelayID: s.relay.ID().String(),
		Tokens:  s.relay.Tokens(),
		Stats:   s.relay.Stats(),
		Outbox:  s.outbox.Stats(),
	}
	if secure, ok := s.clock.(*clock.SecureClock); ok {
		st := secure.Status()
		resp.Clock = &st
	}
	return resp, http.StatusOK, ""
}

// Registers handlers for the following methods:
//
//   - POST /v0/register_device_token
//   - POST /v0/register_token
//   - POST /v0/report_registration_failure
//   - POST /v0/deliver
//   - GET /v0/poll_messages
//   - GET /v0/status
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(fmt.Sprintf("POST /v0/%s", methodRegisterDeviceToken), makeHandler(func(_ context.Context, _ url.Values, body []byte) (any, int, string) {
		return s.registerDeviceToken(body)
	}))
	mux.HandleFunc(fmt.Sprintf("POST /v0/%s", methodRegisterToken), makeHandler(func(ctx context.Context, _ url.Values, body []byte) (any, int, string) {
		return s.registerToken(ctx, body)
	}))
	mux.HandleFunc(fmt.Sprintf("POST /v0/%s", methodReportRegistrationFailure), makeHandler(func(_ context.Context, _ url.Values, body []byte) (any, int, string) {
		return s.reportRegistrationFailure(body)
	}))
	mux.HandleFunc(fmt.Sprintf("POST /v0/%s", methodDeliver), makeHandler(func(ctx context.Context, query url.Values, body []byte) (any, int, string) {
		return s.deliver(ctx, query, body)
	}))
	mux.HandleFunc(fmt.Sprintf("GET /v0/%s", methodPollMessages), makeHandler(func(ctx context.Context, query url.Values, _ []byte) (any, int, string) {
		return s.pollMessages(ctx, query)
	}))
	mux.HandleFunc(fmt.Sprintf("GET /v0/%s", methodStatus), makeHandler(func(context.Context, url.Values, []byte) (any, int, string) {
		return s.status()
	}))
}
