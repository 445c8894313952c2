package clock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/beevik/nts"

	"github.com/newgrp/pushrelay/guard"
)

const (
	// How often the client should request a new absolute time from the NTS
	// server.
	pollPeriod = time.Hour

	// How often the client should retry failure.
	retryPeriod = 5 * time.Minute

	// How many consecutive failures the client should allow before trying a new server.
	maxConsecutiveFailures = 5
)

// Creates a new NTS session by trying to connect to each address in order. Returns the session
// and the address it is connected to.
func createSession(addrs []string) (*nts.Session, string, error) {
	for _, addr := range addrs {
		session, err := nts.NewSession(addr)
		if err == nil {
			log.Printf("Connected to NTS server at %s", addr)
			return session, addr, nil
		}
		log.Printf("ERROR: failed to connect to NTS server at %s: %v", addr, err)
	}
	return nil, "", fmt.Errorf("failed to connect to any of %d NTS servers", len(addrs))
}

// A reading of both NTS and system clocks.
type clockReading struct {
	nts    time.Time
	system time.Time
}

// Gets a clock reading from both NTS and the system clock.
func readTime(session *nts.Session) (clockReading, error) {
	resp, err := session.Query()
	if err != nil {
		return clockReading{}, fmt.Errorf("failed to query time from NTS server: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return clockReading{}, fmt.Errorf("NTS server returned an unusable response: %w", err)
	}

	// Read the system time after obtaining the NTS time in order to err on the
	// side of underestimating the current time.
	nts := resp.Time
	system := time.Now()
	return clockReading{nts: nts, system: system}, nil
}

// Health of the background poller.
type Status struct {
	// Address of the NTS server currently in use.
	Server string `json:"server"`
	// Consecutive failed polls since the last success.
	ConsecutiveFailures int `json:"consecutiveFailures"`
	// Error from the most recent failed poll, if the last poll failed.
	LastError string `json:"lastError,omitempty"`
	// Age of the reading Now is computed from.
	ReadingAge time.Duration `json:"readingAge"`
}

// State for regularly polling NTS.
//
// The session is only touched by the goroutine running PollLoop. The reading and the status are
// read concurrently by clock users, so each lives in its own cell.
type ntsPoller struct {
	addrs   []string
	session *nts.Session
	cell    *guard.Cell[clockReading]
	status  *guard.Cell[Status]
}

// Constructs a new poller using any of the given servers.
func newPoller(addrs []string) (*ntsPoller, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no NTS servers given")
	}

	session, addr, err := createSession(addrs)
	if err != nil {
		return nil, err
	}

	initial, err := readTime(session)
	if err != nil {
		return nil, err
	}

	return &ntsPoller{
		addrs:   addrs,
		session: session,
		cell:    guard.New(initial),
		status:  guard.New(Status{Server: addr}),
	}, nil
}

// Returns the cell that the poller writes its readings to.
func (p *ntsPoller) Cell() *guard.Cell[clockReading] {
	return p.cell
}

// Records the outcome of one poll in the status cell.
func (p *ntsPoller) recordResult(addr string, err error) {
	p.status.Do(func(s *Status) {
		if addr != "" {
			s.Server = addr
		}
		if err != nil {
			s.ConsecutiveFailures++
			s.LastError = err.Error()
			return
		}
		s.ConsecutiveFailures = 0
		s.LastError = ""
	})
}

// Updates the clock reading cell with new data, returning true on success.
//
// If reinit is true, a new NTS session is established before querying.
func (p *ntsPoller) pollOnce(reinit bool) bool {
	var addr string
	if reinit {
		session, a, err := createSession(p.addrs)
		if err != nil {
			log.Printf("ERROR: %+v", err)
			p.recordResult("", err)
			return false
		}
		p.session = session
		addr = a
	}

	reading, err := readTime(p.session)
	if err != nil {
		log.Printf("ERROR: %v", err)
		p.recordResult(addr, err)
		return false
	}
	p.cell.Put(reading)
	p.recordResult(addr, nil)

	return true
}

// Periodically updates the clock reading cell until ctx is done.
//
// If polls fail consecutively, a new session will be established, possibly with
// a different server.
func (p *ntsPoller) PollLoop(ctx context.Context) {
	consecutiveFailures := 0
	for {
		d := pollPeriod
		if consecutiveFailures > 0 {
			d = retryPeriod
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("Stopped polling NTS: %v", ctx.Err())
			return
		case <-timer.C:
		}

		if !p.pollOnce(consecutiveFailures > maxConsecutiveFailures) {
			consecutiveFailures++
			continue
		}
		consecutiveFailures = 0
	}
}
