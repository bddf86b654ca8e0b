package gateway

import (
	"sync"

	"github.com/plgd-dev/go-coap-gateway/message"
	"github.com/plgd-dev/go-coap-gateway/message/codes"
)

// Resources is an in-memory resource tree answering GET, PUT, POST and DELETE by Uri-Path.
type Resources struct {
	mutex sync.Mutex
	data  map[string][]byte
}

func NewResources() *Resources {
	return &Resources{data: make(map[string][]byte)}
}

// Store sets the representation of path.
func (r *Resources) Store(path string, payload []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.data[path] = payload
}

func (r *Resources) Handle(req message.Message) Reply {
	path, err := req.Options.Path()
	if err != nil {
		return Reply{Code: codes.BadOption}
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	switch req.Code {
	case codes.GET:
		payload, ok := r.data[path]
		if !ok {
			return Reply{Code: codes.NotFound}
		}
		return Reply{Code: codes.Content, ContentFormat: &message.TextPlain, Payload: payload}
	case codes.PUT:
		if _, ok := r.data[path]; !ok {
			return Reply{Code: codes.NotFound}
		}
		r.data[path] = req.Payload
		return Reply{Code: codes.Changed}
	case codes.POST:
		if len(req.Payload) == 0 {
			return Reply{Code: codes.BadRequest}
		}
		r.data[path] = req.Payload
		return Reply{Code: codes.Created}
	case codes.DELETE:
		if _, ok := r.data[path]; !ok {
			return Reply{Code: codes.NotFound}
		}
		delete(r.data, path)
		return Reply{Code: codes.Deleted}
	}
	return Reply{Code: codes.MethodNotAllowed}
}
