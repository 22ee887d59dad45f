package tracker

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cncvn/api/models"
)

// RouteChange describes one navigation.
type RouteChange struct {
	URL       string
	Title     string
	Referrer  string
	UserAgent string
	IPAddress string
	Region    string
	City      string
}

// Notification pairs a route change with the visitor's identity storage.
type Notification struct {
	Storage Storage
	Change  RouteChange
}

// EmitterDeps wires an Emitter.
type EmitterDeps struct {
	Identity *IdentityManager
	Bounce   *BounceTracker
	Queue    *Queue
	Clock    Clock
	Metrics  *Metrics
	Logger   zerolog.Logger
	// Notify is called after each enqueue, usually Engine.Notify.
	Notify func()
	// Title resolves a page title from a request path.
	Title func(path string) string
	// IgnorePrefixes are request paths the middleware never counts.
	IgnorePrefixes []string
}

// Emitter turns route changes into PageView events.
type Emitter struct {
	identity *IdentityManager
	bounce   *BounceTracker
	queue    *Queue
	clock    Clock
	metrics  *Metrics
	log      zerolog.Logger
	notify   func()
	title    func(string) string
	ignore   []string
	newID    func() string
}

func NewEmitter(deps EmitterDeps) *Emitter {
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Identity == nil {
		deps.Identity = NewIdentityManager(DefaultIdentityConfig(), deps.Clock, deps.Logger)
	}
	if deps.Bounce == nil {
		deps.Bounce = NewBounceTracker(DefaultBounceConfig(), deps.Clock)
	}
	if deps.Notify == nil {
		deps.Notify = func() {}
	}
	if deps.Title == nil {
		deps.Title = func(string) string { return "" }
	}
	return &Emitter{
		identity: deps.Identity,
		bounce:   deps.Bounce,
		queue:    deps.Queue,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		notify:   deps.Notify,
		title:    deps.Title,
		ignore:   deps.IgnorePrefixes,
		newID:    uuid.NewString,
	}
}

// Emit records one navigation and enqueues its PageView. A session that
// expired since the visitor's last request is finalized first. Failures are
// logged and never reach the caller; the returned event is nil when nothing
// was enqueued.
func (e *Emitter) Emit(st Storage, change RouteChange) (pv *models.PageView) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("stack", string(debug.Stack())).Msgf("panic while emitting page view: %v", r)
			pv = nil
		}
	}()

	fs := NewFallbackStorage(st, e.clock, e.log, e.metrics)
	visitorID := e.identity.GetOrCreateVisitorID(fs)
	session, previous := e.identity.GetOrCreateSession(fs)

	if previous != nil {
		update := e.bounce.FinalizeSessionAt(*previous, previous.LastActivity)
		update.VisitorID = visitorID
		e.enqueue(update)
	}

	session = e.bounce.RecordPageView(session)
	e.identity.SaveSession(fs, session)

	device := ParseDevice(change.UserAgent)
	pv = &models.PageView{
		EventID:    e.newID(),
		SessionID:  session.SessionID,
		VisitorID:  visitorID,
		PageURL:    change.URL,
		PageTitle:  change.Title,
		Referrer:   change.Referrer,
		UserAgent:  change.UserAgent,
		IPAddress:  change.IPAddress,
		Region:     change.Region,
		City:       change.City,
		DeviceType: device.Type,
		Browser:    device.Browser,
		OS:         device.OS,
		Timestamp:  e.clock.Now(),
	}
	if !e.enqueue(pv) {
		return nil
	}
	e.notify()
	return pv
}

// EndSession reports the visitor's session for unload beacons. A live
// session stays open: the beacon records activity and enqueues a cumulative
// snapshot, which any later snapshot of the same session supersedes. A
// session that already timed out is finalized at its last activity and
// forgotten.
func (e *Emitter) EndSession(st Storage) (update *models.SessionUpdate) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("stack", string(debug.Stack())).Msgf("panic while ending session: %v", r)
			update = nil
		}
	}()

	fs := NewFallbackStorage(st, e.clock, e.log, e.metrics)
	visitorID, _ := fs.Get(VisitorKey)
	session, live := e.identity.Current(fs)
	if session == nil {
		return nil
	}

	if live {
		session.LastActivity = e.clock.Now()
		e.identity.SaveSession(fs, *session)
		update = e.bounce.FinalizeSession(*session)
	} else {
		e.identity.EndSession(fs)
		update = e.bounce.FinalizeSessionAt(*session, session.LastActivity)
	}
	update.VisitorID = visitorID
	if !e.enqueue(update) {
		return nil
	}
	e.notify()
	return update
}

func (e *Emitter) enqueue(event models.AnalyticsEvent) bool {
	if _, err := e.queue.Enqueue(event); err != nil {
		e.log.Warn().Err(err).Str("type", string(event.Kind())).Msg("rejected analytics event")
		return false
	}
	return true
}

// Subscribe emits every notification received on ch until it closes or ctx
// ends.
func (e *Emitter) Subscribe(ctx context.Context, ch <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			e.Emit(n.Storage, n.Change)
		}
	}
}

// Middleware counts every GET of an HTML page that matched a route as a
// route change. Requests gin could not route are skipped. The page view is
// recorded before the handler runs, because the identity cookies must be
// written ahead of the body, so a routed page that later fails is still
// counted. It never aborts the request.
func (e *Emitter) Middleware(codec *CookieCodec) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() != "" && e.isPageRequest(c.Request) {
			st := NewCookieStorage(c.Writer, c.Request, codec)
			e.Emit(st, e.routeChange(c))
		}
		c.Next()
	}
}

// EndSessionHandler answers unload beacons.
func (e *Emitter) EndSessionHandler(codec *CookieCodec) gin.HandlerFunc {
	return func(c *gin.Context) {
		e.EndSession(NewCookieStorage(c.Writer, c.Request, codec))
		c.Status(http.StatusNoContent)
	}
}

func (e *Emitter) isPageRequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	for _, prefix := range e.ignore {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return false
		}
	}
	if ext := path.Ext(r.URL.Path); ext != "" && ext != ".html" {
		return false
	}
	// Speculative loads are not navigations.
	if r.Header.Get("Sec-Purpose") != "" || r.Header.Get("Purpose") == "prefetch" {
		return false
	}
	accept := r.Header.Get("Accept")
	return accept == "" || strings.Contains(accept, "text/html")
}

func (e *Emitter) routeChange(c *gin.Context) RouteChange {
	r := c.Request
	region, city := edgeLocation(r.Header)
	return RouteChange{
		URL:       requestURL(r),
		Title:     e.title(r.URL.Path),
		Referrer:  r.Referer(),
		UserAgent: r.UserAgent(),
		IPAddress: c.ClientIP(),
		Region:    region,
		City:      city,
	}
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	return u.String()
}

// edgeLocation reads the geo headers set by Vercel or Cloudflare.
func edgeLocation(h http.Header) (region, city string) {
	region = h.Get("X-Vercel-IP-Country-Region")
	if region == "" {
		region = h.Get("CF-Region")
	}
	city = h.Get("X-Vercel-IP-City")
	if city == "" {
		city = h.Get("CF-IPCity")
	}
	if decoded, err := url.QueryUnescape(city); err == nil {
		city = decoded
	}
	return region, city
}
