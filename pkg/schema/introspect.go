package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const introspectionQuery = `query IntrospectionQuery {
  __schema {
    queryType { name }
    mutationType { name }
    subscriptionType { name }
    types {
      kind
      name
      fields(includeDeprecated: true) {
        name
        type { ...TypeRef }
      }
      enumValues(includeDeprecated: true) { name }
    }
  }
}

fragment TypeRef on __Type {
  kind
  name
  ofType {
    kind
    name
    ofType {
      kind
      name
      ofType {
        kind
        name
        ofType { kind name }
      }
    }
  }
}`

const serviceSDLQuery = `query ServiceSDL { _service { sdl } }`

var ErrIntrospectionDisabled = errors.New("introspection disabled by source")

type typeRef struct {
	Kind   string   `json:"kind"`
	Name   *string  `json:"name"`
	OfType *typeRef `json:"ofType"`
}

type introspectionField struct {
	Name string  `json:"name"`
	Type typeRef `json:"type"`
}

type introspectionType struct {
	Kind       string               `json:"kind"`
	Name       string               `json:"name"`
	Fields     []introspectionField `json:"fields"`
	EnumValues []named              `json:"enumValues"`
}

type named struct {
	Name string `json:"name"`
}

type introspectionResult struct {
	Schema struct {
		QueryType        *named              `json:"queryType"`
		MutationType     *named              `json:"mutationType"`
		SubscriptionType *named              `json:"subscriptionType"`
		Types            []introspectionType `json:"types"`
	} `json:"__schema"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Introspect runs the standard introspection query against url. When the
// source is a federation subgraph exposing _service.sdl, @key declarations are
// read from that document since introspection does not report applied
// directives.
func Introspect(ctx context.Context, client *http.Client, url, token string) (*Model, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var res introspectionResult
	if err := postGraphQL(ctx, client, url, token, introspectionQuery, &res); err != nil {
		return nil, err
	}
	if len(res.Schema.Types) == 0 {
		return nil, ErrIntrospectionDisabled
	}

	roots := map[string]bool{}
	for _, r := range []*named{res.Schema.QueryType, res.Schema.MutationType, res.Schema.SubscriptionType} {
		if r != nil {
			roots[r.Name] = true
		}
	}
	kinds := make(map[string]string, len(res.Schema.Types))
	for _, t := range res.Schema.Types {
		kinds[t.Name] = t.Kind
	}

	m := NewModel(OriginIntrospection)
	hasService := false
	for _, it := range res.Schema.Types {
		if roots[it.Name] {
			for _, f := range it.Fields {
				if f.Name == "_service" {
					hasService = true
				}
			}
			continue
		}
		if it.Kind == "ENUM" && !strings.HasPrefix(it.Name, "__") {
			for _, v := range it.EnumValues {
				m.Enums[it.Name] = append(m.Enums[it.Name], v.Name)
			}
			continue
		}
		if it.Kind != "OBJECT" || strings.HasPrefix(it.Name, "__") || strings.HasPrefix(it.Name, "_") {
			continue
		}
		names := make([]string, len(it.Fields))
		for i, f := range it.Fields {
			names[i] = f.Name
		}
		if isPaginationType(names) {
			continue
		}
		t := &SchemaType{Name: it.Name}
		for _, f := range it.Fields {
			t.Fields = append(t.Fields, fieldFromRef(f.Name, f.Type, kinds))
		}
		m.Types[it.Name] = t
	}

	if hasService {
		if err := applyServiceKeys(ctx, client, url, token, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func fieldFromRef(name string, ref typeRef, kinds map[string]string) Field {
	f := Field{Name: name}
	cur := &ref
	if cur.Kind == "NON_NULL" && cur.OfType != nil {
		f.Required = true
		cur = cur.OfType
	}
	for cur.OfType != nil {
		if cur.Kind == "LIST" {
			f.List = true
		}
		cur = cur.OfType
	}
	if cur.Name != nil {
		f.TypeName = *cur.Name
	}
	switch kinds[f.TypeName] {
	case "SCALAR":
		f.Kind = KindScalar
	case "ENUM":
		f.Kind = KindEnum
	default:
		f.Kind = KindReference
	}
	return f
}

func applyServiceKeys(ctx context.Context, client *http.Client, url, token string, m *Model) error {
	var res struct {
		Service struct {
			SDL string `json:"sdl"`
		} `json:"_service"`
	}
	if err := postGraphQL(ctx, client, url, token, serviceSDLQuery, &res); err != nil {
		return fmt.Errorf("fetch service sdl: %w", err)
	}
	sdl, err := ParseSDL("_service.sdl", res.Service.SDL)
	if err != nil {
		return err
	}
	mergeKeys(m, sdl)
	return nil
}

func postGraphQL(ctx context.Context, client *http.Client, url, token, query string, out any) error {
	body, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("introspection request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read introspection response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("introspection request: status %d", resp.StatusCode)
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("decode introspection response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		if strings.Contains(strings.ToLower(strings.Join(msgs, " ")), "introspection") {
			return fmt.Errorf("%w: %s", ErrIntrospectionDisabled, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("introspection query: %s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("decode introspection data: %w", err)
	}
	return nil
}
