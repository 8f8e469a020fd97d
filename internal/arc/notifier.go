package arc

import (
	"context"
	"net/url"
)

// EventOperation names what happened to an object.
type EventOperation string

const (
	OpCreated       EventOperation = "created"
	OpPatch         EventOperation = "patch"
	OpDeleted       EventOperation = "deleted"
	OpAccessGranted EventOperation = "access-granted"
	OpAccessRemoved EventOperation = "access-removed"
)

// Event is a change notification pushed to subscribed clients.
type Event struct {
	Type      string         `json:"type"`
	Operation EventOperation `json:"operation"`
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	Parent    string         `json:"parent,omitempty"`
	Data      any            `json:"data,omitempty"`
}

// NewEvent returns an event with Type set.
func NewEvent(op EventOperation, kind, id string) Event {
	return Event{Type: "event", Operation: op, Kind: kind, ID: id}
}

// Filter selects the clients an event goes to. A client matches when it is
// subscribed to URL and, if Users is non-empty, authenticated as one of them.
type Filter struct {
	URL   string
	Users []string
}

// Notifier delivers events to subscribed clients. Delivery is best effort
// and never blocks the caller on a slow client.
type Notifier interface {
	Notify(ctx context.Context, event Event, filter Filter)
	CloseByURL(ctx context.Context, url string)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event, Filter) {}
func (NopNotifier) CloseByURL(context.Context, string)    {}

// Subscription routes.
const (
	RouteFiles   = "/files"
	RouteShared  = "/shared"
	RouteHistory = "/history"
)

// RouteFile is the route of one file's metadata.
func RouteFile(key string) string {
	return RouteFiles + "/" + url.PathEscape(key)
}

// RouteFileMedia is the route of one file's content stream.
func RouteFileMedia(key string) string {
	return RouteFile(key) + "?alt=media"
}

// RouteAppItems is the route of one application collection.
func RouteAppItems(app, kind string) string {
	return "/app/" + url.PathEscape(app) + "/" + url.PathEscape(kind)
}
