package fixture

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Data holds the records of every type, in page order.
type Data map[string][]map[string]any

// Counts is the number of records to seed per type.
type Counts struct {
	Artifacts       int
	Packages        int
	Vulnerabilities int
}

func packageKey(i int) map[string]any {
	return map[string]any{
		"ecosystem": "NPM",
		"namespace": "",
		"name":      fmt.Sprintf("pkg-%04d", i),
		"version":   "1.0." + strconv.Itoa(i%7),
	}
}

// Seed builds a deterministic data set. Packages reference artifacts and
// depend on their successor; every third package is affected by a
// vulnerability.
func Seed(c Counts) Data {
	d := Data{}
	for i := 0; i < c.Artifacts; i++ {
		d["Artifact"] = append(d["Artifact"], map[string]any{
			"algorithm": "sha256",
			"digest":    fmt.Sprintf("%064x", i),
			"size":      1024 + i,
			"mediaType": "application/gzip",
		})
	}
	for i := 0; i < c.Packages; i++ {
		rec := packageKey(i)
		rec["licenses"] = []any{"MIT"}
		rec["checksums"] = []any{map[string]any{"algorithm": "sha512", "value": fmt.Sprintf("c%d", i)}}
		rec["maintainers"] = []any{map[string]any{"email": fmt.Sprintf("m%d@example.org", i%3), "name": nil}}
		if c.Artifacts > 0 {
			rec["artifact"] = map[string]any{"algorithm": "sha256", "digest": fmt.Sprintf("%064x", i%c.Artifacts)}
		}
		d["Package"] = append(d["Package"], rec)
	}
	for i := 0; i < c.Vulnerabilities; i++ {
		d["Vulnerability"] = append(d["Vulnerability"], map[string]any{
			"osvId":     fmt.Sprintf("OSV-2026-%04d", i),
			"summary":   "prototype pollution",
			"severity":  7.5,
			"withdrawn": false,
		})
	}
	for i := 0; i+1 < c.Packages; i++ {
		d["DependsOn"] = append(d["DependsOn"], map[string]any{
			"dependent":  packageKey(i),
			"dependency": packageKey(i + 1),
			"scope":      "runtime",
			"optional":   i%2 == 0,
		})
	}
	if c.Vulnerabilities > 0 {
		for i := 0; i < c.Packages; i += 3 {
			d["Affects"] = append(d["Affects"], map[string]any{
				"vulnerability": map[string]any{"osvId": fmt.Sprintf("OSV-2026-%04d", i%c.Vulnerabilities)},
				"package":       packageKey(i),
				"fixedIn":       "2.0.0",
			})
		}
	}
	return d
}

// Fault makes a type's requests fail. Times == 0 fails forever.
type Fault struct {
	Status     int
	Times      int
	RetryAfter string
	// GraphQLError answers 200 with an errors array instead of Status.
	GraphQLError string
}

// Source is a paginated GraphQL endpoint over Data.
type Source struct {
	mu       sync.Mutex
	data     Data
	faults   map[string]*Fault
	requests map[string]int
	// Relay switches responses to the {edges{node}, pageInfo} shape.
	Relay bool
	// Token, when set, is required as a bearer token.
	Token string
}

func NewSource(data Data) *Source {
	return &Source{
		data:     data,
		faults:   map[string]*Fault{},
		requests: map[string]int{},
	}
}

// Fail installs a fault for typeName.
func (s *Source) Fail(typeName string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[typeName] = &f
}

// Requests returns how many requests were made for typeName.
func (s *Source) Requests(typeName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[typeName]
}

// Start serves the source on a test server. The caller closes it.
func (s *Source) Start() *httptest.Server {
	return httptest.NewServer(s)
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func (s *Source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.Contains(req.Query, "__schema") {
		writeJSON(w, http.StatusOK, map[string]any{
			"errors": []any{map[string]any{"message": "GraphQL introspection is not allowed"}},
		})
		return
	}

	field, err := rootField(req.Query)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"errors": []any{map[string]any{"message": err.Error()}}})
		return
	}
	typeName, ok := rootFields[field]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"errors": []any{map[string]any{"message": fmt.Sprintf("Cannot query field %q on type \"Query\".", field)}},
		})
		return
	}

	s.mu.Lock()
	s.requests[typeName]++
	fault := s.faults[typeName]
	var inject *Fault
	if fault != nil {
		inject = fault
		if fault.Times > 0 {
			fault.Times--
			if fault.Times == 0 {
				delete(s.faults, typeName)
			}
		}
	}
	records := s.data[typeName]
	s.mu.Unlock()

	if inject != nil {
		if inject.GraphQLError != "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"errors": []any{map[string]any{"message": inject.GraphQLError}},
			})
			return
		}
		if inject.RetryAfter != "" {
			w.Header().Set("Retry-After", inject.RetryAfter)
		}
		http.Error(w, http.StatusText(inject.Status), inject.Status)
		return
	}

	first := 100
	if v, ok := req.Variables["first"].(float64); ok && v > 0 {
		first = int(v)
	}
	start := 0
	if after, ok := req.Variables["after"].(string); ok && after != "" {
		start, err = decodeCursor(after)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"errors": []any{map[string]any{"message": err.Error()}}})
			return
		}
	}
	end := min(start+first, len(records))
	if start > end {
		start = end
	}
	page := records[start:end]
	hasMore := end < len(records)
	var next any
	if hasMore {
		next = encodeCursor(end)
	}

	var body map[string]any
	if s.Relay {
		edges := make([]any, len(page))
		for i, rec := range page {
			edges[i] = map[string]any{"node": rec, "cursor": encodeCursor(start + i + 1)}
		}
		body = map[string]any{
			"edges":    edges,
			"pageInfo": map[string]any{"endCursor": next, "hasNextPage": hasMore},
		}
	} else {
		body = map[string]any{"records": page, "nextCursor": next, "hasMore": hasMore}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{field: body}})
}

func rootField(query string) (string, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return "", err
	}
	if len(doc.Operations) == 0 || len(doc.Operations[0].SelectionSet) == 0 {
		return "", fmt.Errorf("empty operation")
	}
	f, ok := doc.Operations[0].SelectionSet[0].(*ast.Field)
	if !ok {
		return "", fmt.Errorf("top-level selection must be a field")
	}
	return f.Name, nil
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("offset:" + strconv.Itoa(offset)))
}

func decodeCursor(c string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q", c)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(raw), "offset:"))
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q", c)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
