package workflow

import (
	"errors"
	"strings"
)

// Parse reads a graph in the bracketed edge-list notation:
//
//	[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]
//
// Whitespace around tokens is ignored. Errors are *GraphFormatError values
// whose Pos is the byte offset of the offending token in notation.
func Parse(notation string) (*Graph, error) {
	trimmed := strings.TrimSpace(notation)
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return nil, formatError(trimmed, 0, "graph must be enclosed in brackets")
	}
	offset := strings.Index(notation, "[") + 1
	body := trimmed[1 : len(trimmed)-1]

	if strings.TrimSpace(body) == "" {
		return NewGraph()
	}

	var (
		edges     []Edge
		tokens    []string
		positions []int
	)
	pos := offset
	for _, raw := range strings.Split(body, ",") {
		token := strings.TrimSpace(raw)
		tokenPos := pos + strings.Index(raw, token)
		if token == "" {
			tokenPos = pos
		}
		edge, err := parseEdge(token)
		if err != nil {
			return nil, formatError(token, tokenPos, "%s", err)
		}
		edges = append(edges, edge)
		tokens = append(tokens, token)
		positions = append(positions, tokenPos)
		pos += len(raw) + 1
	}

	g, err := NewGraph(edges...)
	if err != nil {
		var gfe *GraphFormatError
		// NewGraph reports the edge index; map it back to the source token.
		if errors.As(err, &gfe) && gfe.Token != "" && gfe.Pos >= 0 && gfe.Pos < len(positions) {
			gfe.Token, gfe.Pos = tokens[gfe.Pos], positions[gfe.Pos]
		}
		return nil, err
	}
	return g, nil
}

// MustParse is like Parse but panics on error. Intended for fixtures.
func MustParse(notation string) *Graph {
	g, err := Parse(notation)
	if err != nil {
		panic(err)
	}
	return g
}

func parseEdge(token string) (Edge, error) {
	if token == "" {
		return Edge{}, errors.New("empty edge")
	}
	source, rest, ok := strings.Cut(token, ">")
	if !ok {
		return Edge{}, errors.New("edge must have the form source>target/LABEL")
	}
	target, label, ok := strings.Cut(rest, "/")
	if !ok {
		return Edge{}, errors.New("edge must have the form source>target/LABEL")
	}
	source, target, label = strings.TrimSpace(source), strings.TrimSpace(target), strings.TrimSpace(label)

	l, err := ParseEdgeLabel(label)
	if err != nil {
		return Edge{}, err
	}
	e := Edge{Source: source, Target: target, Label: l}
	if err := validateEdge(e); err != nil {
		return Edge{}, err
	}
	return e, nil
}
