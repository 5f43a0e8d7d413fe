// internal/channel/resolver.go
package channel

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

// ResolverConfig carries the settings shared by every adapter.
type ResolverConfig struct {
	CountryCode  string
	Timeout      time.Duration
	GraphURL     string
	GraphVersion string
	SessionRate  rate.Limit
	SessionBurst int
}

// Resolver picks the adapter for a connection by its provider.
type Resolver struct {
	Sessions SessionProvider
	Owners   SessionOwners
	HTTP     *http.Client
	Config   ResolverConfig

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

func NewResolver(sessions SessionProvider, cfg ResolverConfig) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Resolver{
		Sessions: sessions,
		HTTP:     &http.Client{Timeout: cfg.Timeout + 5*time.Second},
		Config:   cfg,
		limiters: make(map[int]*rate.Limiter),
	}
}

// sessionLimiter is shared by every adapter built for the same connection.
func (r *Resolver) sessionLimiter(connectionID int) *rate.Limiter {
	if r.Config.SessionRate <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[connectionID]
	if !ok {
		burst := r.Config.SessionBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(r.Config.SessionRate, burst)
		r.limiters[connectionID] = lim
	}
	return lim
}

// countryCode prefers the connection's own default country.
func (r *Resolver) countryCode(conn *model.Connection) string {
	if conn.CountryCode != "" {
		return conn.CountryCode
	}
	return r.Config.CountryCode
}

func (r *Resolver) ForConnection(conn *model.Connection) (Adapter, error) {
	switch conn.Provider {
	case model.ProviderOfficial:
		return &OfficialAdapter{
			Connection:  *conn,
			HTTP:        r.HTTP,
			BaseURL:     r.Config.GraphURL,
			Version:     r.Config.GraphVersion,
			CountryCode: r.countryCode(conn),
			Timeout:     r.Config.Timeout,
		}, nil
	case model.ProviderSession, "":
		return &SessionAdapter{
			ConnectionID: conn.ID,
			Sessions:     r.Sessions,
			CountryCode:  r.countryCode(conn),
			Limiter:      r.sessionLimiter(conn.ID),
			Timeout:      r.Config.Timeout,
			Owners:       r.Owners,
		}, nil
	}
	return nil, fmt.Errorf("connection %d has unknown provider %q", conn.ID, conn.Provider)
}
