package osc

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulmach/osm"
)

// Parser streams the entities of an osmChange (.osc) document
type Parser struct {
	stats Stats
}

// NewParser creates a new OSC parser
func NewParser() *Parser {
	return &Parser{}
}

// Stats returns parsing statistics. Read it after the change channel closes.
func (p *Parser) Stats() Stats {
	return p.stats
}

// ParseFile parses an OSC file and streams changes to a channel.
// Files ending in .gz are decompressed.
func (p *Parser) ParseFile(ctx context.Context, filename string) (<-chan Change, <-chan error) {
	changes := make(chan Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		f, err := os.Open(filename)
		if err != nil {
			errChan <- fmt.Errorf("failed to open OSC file: %w", err)
			return
		}
		defer f.Close()

		var reader io.Reader = f
		if strings.HasSuffix(filename, ".gz") {
			gz, err := gzip.NewReader(f)
			if err != nil {
				errChan <- fmt.Errorf("failed to create gzip reader: %w", err)
				return
			}
			defer gz.Close()
			reader = gz
		}

		if err := p.parse(ctx, reader, changes); err != nil {
			errChan <- err
		}
	}()

	return changes, errChan
}

// ParseReader parses OSC data from a reader
func (p *Parser) ParseReader(ctx context.Context, reader io.Reader) (<-chan Change, <-chan error) {
	changes := make(chan Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		if err := p.parse(ctx, reader, changes); err != nil {
			errChan <- err
		}
	}()

	return changes, errChan
}

func (p *Parser) parse(ctx context.Context, reader io.Reader, changes chan<- Change) error {
	decoder := xml.NewDecoder(reader)
	var action Action

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("XML parse error: %w", err)
		}

		se, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		var obj osm.Object
		switch se.Name.Local {
		case "create", "modify", "delete":
			action = Action(se.Name.Local)
			continue
		case "node":
			obj, err = decode(decoder, &se, &osm.Node{})
		case "way":
			obj, err = decode(decoder, &se, &osm.Way{})
		case "relation":
			obj, err = decode(decoder, &se, &osm.Relation{})
		default:
			continue
		}
		if err != nil {
			return err
		}
		if action == "" {
			return fmt.Errorf("%s %s outside of a create, modify or delete block", se.Name.Local, obj.ObjectID())
		}
		setVisible(obj, action != ActionDelete)

		change := Change{Action: action, Object: obj}
		select {
		case changes <- change:
			p.stats.add(change)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decode[T osm.Object](decoder *xml.Decoder, se *xml.StartElement, v T) (osm.Object, error) {
	if err := decoder.DecodeElement(v, se); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", se.Name.Local, err)
	}
	return v, nil
}

// setVisible marks created and modified entities visible, since change
// files usually omit the attribute.
func setVisible(o osm.Object, visible bool) {
	switch v := o.(type) {
	case *osm.Node:
		v.Visible = visible
	case *osm.Way:
		v.Visible = visible
	case *osm.Relation:
		v.Visible = visible
	}
}
