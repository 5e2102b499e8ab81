package headless

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

// Record is the JSON document written to the blob store for every visit.
type Record struct {
	SessionID    string             `json:"session_id"`
	Rank         int                `json:"rank"`
	Target       string             `json:"target"`
	FinalURL     string             `json:"final_url,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	DwellMs      int64              `json:"dwell_ms"`
	Success      bool               `json:"success"`
	Error        string             `json:"error,omitempty"`
	DocumentHash string             `json:"document_hash,omitempty"`
	Requests     []RequestRecord    `json:"requests,omitempty"`
	Responses    []ResponseRecord   `json:"responses,omitempty"`
	Navigations  []NavigationRecord `json:"navigations,omitempty"`
	Console      []ConsoleRecord    `json:"console,omitempty"`
	Exceptions   []string           `json:"exceptions,omitempty"`
	Cookies      []CookieRecord     `json:"cookies,omitempty"`
	Scripts      []ScriptRecord     `json:"scripts,omitempty"`
}

// RequestRecord is one outgoing request.
type RequestRecord struct {
	RequestID    string `json:"request_id"`
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResourceType string `json:"resource_type,omitempty"`
}

// ResponseRecord is one received response.
type ResponseRecord struct {
	RequestID    string `json:"request_id"`
	URL          string `json:"url"`
	Status       int64  `json:"status"`
	MimeType     string `json:"mime_type,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
}

// NavigationRecord is one committed frame navigation.
type NavigationRecord struct {
	URL       string `json:"url"`
	MainFrame bool   `json:"main_frame"`
}

// ConsoleRecord is one console API call.
type ConsoleRecord struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// CookieRecord is one cookie present when the visit ended.
type CookieRecord struct {
	Name     string  `json:"name"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
}

// ScriptRecord is a script loaded by the page.
type ScriptRecord struct {
	URL    string `json:"url"`
	Hash   string `json:"hash"`
	Source string `json:"source,omitempty"`
}

// Instruments selects which browser events are recorded.
type Instruments struct {
	HTTP           bool
	Cookies        bool
	Navigation     bool
	JavaScript     bool
	SaveJavaScript bool
}

// recorder accumulates CDP events for one visit. Listener callbacks run on
// the chromedp event goroutine and must not block.
type recorder struct {
	mu          sync.Mutex
	instruments Instruments
	record      Record
	scripts     map[network.RequestID]string
}

func newRecorder(instruments Instruments, rec Record) *recorder {
	return &recorder{
		instruments: instruments,
		record:      rec,
		scripts:     make(map[network.RequestID]string),
	}
}

func (r *recorder) onEvent(ev any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if !r.instruments.HTTP || e.Request == nil {
			return
		}
		r.record.Requests = append(r.record.Requests, RequestRecord{
			RequestID:    string(e.RequestID),
			URL:          e.Request.URL,
			Method:       e.Request.Method,
			ResourceType: string(e.Type),
		})
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		if r.instruments.SaveJavaScript && e.Type == network.ResourceTypeScript {
			r.scripts[e.RequestID] = e.Response.URL
		}
		if !r.instruments.HTTP {
			return
		}
		r.record.Responses = append(r.record.Responses, ResponseRecord{
			RequestID:    string(e.RequestID),
			URL:          e.Response.URL,
			Status:       e.Response.Status,
			MimeType:     e.Response.MimeType,
			ResourceType: string(e.Type),
		})
	case *page.EventFrameNavigated:
		if !r.instruments.Navigation || e.Frame == nil {
			return
		}
		r.record.Navigations = append(r.record.Navigations, NavigationRecord{
			URL:       e.Frame.URL,
			MainFrame: e.Frame.ParentID == "",
		})
	case *runtime.EventConsoleAPICalled:
		if !r.instruments.JavaScript {
			return
		}
		r.record.Console = append(r.record.Console, ConsoleRecord{
			Level: string(e.Type),
			Text:  consoleText(e.Args),
		})
	case *runtime.EventExceptionThrown:
		if !r.instruments.JavaScript || e.ExceptionDetails == nil {
			return
		}
		text := e.ExceptionDetails.Text
		if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
			text = e.ExceptionDetails.Exception.Description
		}
		r.record.Exceptions = append(r.record.Exceptions, text)
	}
}

// scriptRequests returns the script responses seen so far.
func (r *recorder) scriptRequests() map[network.RequestID]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[network.RequestID]string, len(r.scripts))
	for id, u := range r.scripts {
		out[id] = u
	}
	return out
}

func (r *recorder) addCookies(cookies []*network.Cookie) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cookies {
		r.record.Cookies = append(r.record.Cookies, CookieRecord{
			Name:     c.Name,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
		})
	}
}

func (r *recorder) addScript(s ScriptRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.Scripts = append(r.record.Scripts, s)
}

// finish seals the record and returns a copy.
func (r *recorder) finish(finalURL, documentHash string, finished time.Time, err error) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record.FinalURL = finalURL
	r.record.DocumentHash = documentHash
	r.record.FinishedAt = finished
	r.record.Success = err == nil
	if err != nil {
		r.record.Error = err.Error()
	}
	return r.record
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		switch {
		case len(arg.Value) > 0:
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		case arg.UnserializableValue != "":
			parts = append(parts, string(arg.UnserializableValue))
		default:
			parts = append(parts, string(arg.Type))
		}
	}
	return strings.Join(parts, " ")
}

// recordPath builds <dir>/<session>/<rank>-<host>.json.
func recordPath(dir, session string, rank int, target string) string {
	host := "unknown"
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	return path.Join(strings.Trim(dir, "/"), session, fmt.Sprintf("%d-%s.json", rank, host))
}
