package dcache

import "time"

// DefaultBackstopFactor caps sliding expiration at this multiple of the window
// when no explicit backstop is provided.
const DefaultBackstopFactor = 10

// ExpirationKind discriminates Expiration variants.
type ExpirationKind int

const (
	// ExpireDefault applies the tier's own configured time to live.
	ExpireDefault ExpirationKind = iota

	// ExpireNever keeps the entry until it is removed or evicted.
	ExpireNever

	// ExpireAbsolute expires the entry at a fixed instant.
	ExpireAbsolute

	// ExpireSliding renews the entry lifetime on every read, bounded by an
	// absolute backstop.
	ExpireSliding
)

// Expiration describes how a cache write's lifetime is computed.
//
// The zero value means "use the tier's default time to live".
type Expiration struct {
	Kind ExpirationKind

	// At is the expiration instant for ExpireAbsolute.
	At time.Time

	// Window is the per-read renewal duration for ExpireSliding.
	Window time.Duration

	// Backstop bounds total lifetime of a sliding entry, always positive for
	// ExpireSliding.
	Backstop time.Duration
}

// DefaultExpiration uses the tier's configured time to live.
func DefaultExpiration() Expiration {
	return Expiration{}
}

// NoExpiration keeps the entry until removal.
func NoExpiration() Expiration {
	return Expiration{Kind: ExpireNever}
}

// ExpireAt expires the entry at a fixed instant.
func ExpireAt(at time.Time) Expiration {
	return Expiration{Kind: ExpireAbsolute, At: at}
}

// ExpireAfter expires the entry after a fixed duration.
func ExpireAfter(ttl time.Duration) Expiration {
	return Expiration{Kind: ExpireAbsolute, At: time.Now().Add(ttl)}
}

// SlidingExpiration renews the entry on every read, with an absolute backstop
// of DefaultBackstopFactor times the window.
func SlidingExpiration(window time.Duration) Expiration {
	return Expiration{Kind: ExpireSliding, Window: window, Backstop: DefaultBackstopFactor * window}
}

// WithBackstop overrides the absolute backstop of a sliding expiration.
func (e Expiration) WithBackstop(backstop time.Duration) Expiration {
	e.Backstop = backstop

	return e
}

// Expired reports whether the policy is already past at now.
func (e Expiration) Expired(now time.Time) bool {
	return e.Kind == ExpireAbsolute && !e.At.After(now)
}

// TTL maps the policy to a plain remote-tier time to live.
//
// Remote stores have no sliding concept, a sliding policy maps to its window
// and is renewed by the coordinator re-issuing an expire command on read.
// Zero means the tier default, negative means no expiration. The negative
// range is reserved for ExpireNever, an absolute instant in the past maps to
// the shortest expressible lifetime instead.
func (e Expiration) TTL(now time.Time) time.Duration {
	switch e.Kind {
	case ExpireNever:
		return -1
	case ExpireAbsolute:
		d := e.At.Sub(now)
		if d <= 0 {
			d = time.Millisecond
		}

		return d
	case ExpireSliding:
		return e.Window
	default:
		return 0
	}
}
