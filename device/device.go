// Package device picks client fingerprints for new connections so that
// parallel sign-in attempts do not all present the same device.
package device

import (
	"errors"
	"math/rand/v2"

	"github.com/MrEthical07/goIntercept/conn"
)

// Profile is a plausible client fingerprint.
type Profile struct {
	Model         string
	SystemVersion string
	AppVersion    string
	LangCode      string
}

// Conn converts the profile into the fingerprint passed to a dialer.
func (p Profile) Conn() conn.Device {
	return conn.Device{
		Model:         p.Model,
		SystemVersion: p.SystemVersion,
		AppVersion:    p.AppVersion,
		LangCode:      p.LangCode,
	}
}

// DefaultCatalog is used when no catalog is configured.
var DefaultCatalog = []Profile{
	{Model: "Samsung SM-G973F", SystemVersion: "Android 10", AppVersion: "9.4.1", LangCode: "en"},
	{Model: "Google Pixel 6", SystemVersion: "Android 13", AppVersion: "9.7.1", LangCode: "en"},
	{Model: "OnePlus 9 Pro", SystemVersion: "Android 12", AppVersion: "9.6.0", LangCode: "en"},
	{Model: "Xiaomi Mi 11", SystemVersion: "Android 11", AppVersion: "9.5.2", LangCode: "en"},
	{Model: "iPhone 13", SystemVersion: "iOS 16.5", AppVersion: "9.6.3", LangCode: "en"},
	{Model: "Samsung SM-S911B", SystemVersion: "Android 14", AppVersion: "10.2.0", LangCode: "en"},
}

// ErrEmptyCatalog is returned by [NewSelector] for an empty catalog.
var ErrEmptyCatalog = errors.New("device: empty catalog")

// Selector picks profiles from a fixed catalog.
type Selector struct {
	catalog []Profile
}

// NewSelector copies catalog into a new Selector.
func NewSelector(catalog []Profile) (*Selector, error) {
	if len(catalog) == 0 {
		return nil, ErrEmptyCatalog
	}
	for _, p := range catalog {
		if p.Model == "" || p.SystemVersion == "" || p.AppVersion == "" {
			return nil, errors.New("device: profile requires model, system and app version")
		}
	}
	return &Selector{catalog: append([]Profile(nil), catalog...)}, nil
}

// Pick returns a random catalog entry. It is safe for concurrent use.
func (s *Selector) Pick() Profile {
	if s == nil || len(s.catalog) == 0 {
		return Pick()
	}
	return s.catalog[rand.IntN(len(s.catalog))]
}

// Len returns the catalog size.
func (s *Selector) Len() int {
	if s == nil {
		return 0
	}
	return len(s.catalog)
}

// Pick returns a random entry of [DefaultCatalog].
func Pick() Profile {
	return DefaultCatalog[rand.IntN(len(DefaultCatalog))]
}
