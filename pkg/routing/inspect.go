package routing

import (
	"encoding/json"
	"net/http"

	someip "github.com/go-someip/someip"
)

// InspectServer is a small read-only diagnostics endpoint over the routing
// host's tables (offered services, subscriptions, client registry): a plain
// net/http.ServeMux with one handler per route and JSON-encoded responses.
// It has no wire-protocol effect.
type InspectServer struct {
	host     *Host
	serveMux *http.ServeMux
}

// NewInspectServer builds the diagnostics server for host. Call
// ListenAndServe to run it; it never mutates host's tables.
func NewInspectServer(host *Host) *InspectServer {
	s := &InspectServer{host: host, serveMux: http.NewServeMux()}
	s.serveMux.HandleFunc("/services", s.handleServices)
	s.serveMux.HandleFunc("/subscriptions", s.handleSubscriptions)
	s.serveMux.HandleFunc("/clients", s.handleClients)
	return s
}

// ListenAndServe blocks serving the diagnostics API on addr.
func (s *InspectServer) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.serveMux)
}

type serviceView struct {
	Service     someip.ServiceID    `json:"service_id"`
	Instance    someip.InstanceID   `json:"instance_id"`
	Major       someip.MajorVersion `json:"major_version"`
	Minor       someip.MinorVersion `json:"minor_version"`
	TTL         someip.TTL          `json:"ttl"`
	IsLocal     bool                `json:"is_local"`
	IsAvailable bool                `json:"is_available"`
	Owner       someip.ClientID     `json:"owner_client_id,omitempty"`
}

func (s *InspectServer) handleServices(w http.ResponseWriter, r *http.Request) {
	snapshot := s.host.manager.Snapshot()
	out := make([]serviceView, 0, len(snapshot))
	for key, info := range snapshot {
		out = append(out, serviceView{
			Service: key.Service, Instance: key.Instance,
			Major: info.Major, Minor: info.Minor, TTL: info.TTL,
			IsLocal: info.IsLocal, IsAvailable: info.IsAvailable, Owner: info.OwnerClientID,
		})
	}
	writeJSON(w, out)
}

type eventgroupView struct {
	Service     someip.ServiceID    `json:"service_id"`
	Instance    someip.InstanceID   `json:"instance_id"`
	Eventgroup  someip.EventgroupID `json:"eventgroup_id"`
	Subscribers []string            `json:"subscribers"`
}

func (s *InspectServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.host.manager.mu.Lock()
	out := make([]eventgroupView, 0, len(s.host.manager.eventgroups))
	for key, eg := range s.host.manager.eventgroups {
		out = append(out, eventgroupView{
			Service: key.Service, Instance: key.Instance, Eventgroup: key.Eventgroup,
			Subscribers: eg.Subscribers(),
		})
	}
	s.host.manager.mu.Unlock()
	writeJSON(w, out)
}

type clientView struct {
	Name     string          `json:"name"`
	ClientID someip.ClientID `json:"client_id"`
}

func (s *InspectServer) handleClients(w http.ResponseWriter, r *http.Request) {
	s.host.manager.mu.Lock()
	out := make([]clientView, 0, len(s.host.manager.clientsByName))
	for name, id := range s.host.manager.clientsByName {
		out = append(out, clientView{Name: name, ClientID: id})
	}
	s.host.manager.mu.Unlock()
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
