package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// LocatorParam is the query parameter carrying a peer id in a share URL.
const LocatorParam = "peer"

// ErrNoLocator indicates a URL without a peer parameter.
var ErrNoLocator = errors.New("session: locator has no peer")

// ShareURL returns base with the peer parameter set to peerID.
func ShareURL(base, peerID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	query := u.Query()
	query.Set(LocatorParam, peerID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// ParseLocator extracts the peer id from a share URL.
func ParseLocator(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse locator: %w", err)
	}
	peerID := strings.TrimSpace(u.Query().Get(LocatorParam))
	if peerID == "" {
		return "", ErrNoLocator
	}
	return peerID, nil
}

// ShareURL returns a locator pointing other peers at this session.
func (s *Session) ShareURL(base string) (string, error) {
	return ShareURL(base, s.localID)
}

// ConnectFromLocator connects to the peer named by raw. A locator naming the
// local peer is skipped and reports false.
func (s *Session) ConnectFromLocator(raw string) (bool, error) {
	peerID, err := ParseLocator(raw)
	if err != nil {
		return false, err
	}
	if peerID == s.localID {
		s.log.Debug("Skipping locator that names this peer")
		return false, nil
	}
	if err := s.Connect(peerID); err != nil {
		return false, err
	}
	return true, nil
}
