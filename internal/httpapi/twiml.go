package httpapi

import (
	"encoding/xml"
	"log"
	"net/http"
	"sort"
	"strings"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// handleTwiML answers the provider's voice webhook with instructions to open
// a media stream back to this service. Query parameters ride along as stream
// custom parameters, so the dialer can pick the agent per call.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	streamURL := s.mediaStreamURL(r)
	query := r.URL.Query()
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}
	for _, name := range names {
		value := strings.TrimSpace(query.Get(name))
		if value == "" {
			continue
		}
		resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters, twimlParameter{Name: name, Value: value})
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_encode_failed", err.Error())
		return
	}
	if callSID := strings.TrimSpace(r.FormValue("CallSid")); callSID != "" {
		log.Printf("twiml: connecting provider call %s to %s", callSID, streamURL)
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func (s *Server) mediaStreamURL(r *http.Request) string {
	if u := strings.TrimSpace(s.cfg.PublicStreamURL); u != "" {
		return u
	}
	scheme := "wss"
	if r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "ws"
	}
	return scheme + "://" + r.Host + "/media-stream"
}
