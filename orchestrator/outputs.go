package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/gurre/vpce-resolver/customresource"
)

var outputJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Outputs are the values republished after a deployment. UpdateTrigger is
// kept so the next deployment can issue a strictly larger one.
type Outputs struct {
	VpcEndpointIps string                       `json:"VpcEndpointIps"`
	ApiGwUrl       string                       `json:"ApiGwUrl,omitempty"`
	UpdateTrigger  customresource.UpdateTrigger `json:"UpdateTrigger,omitempty"`
}

type OutputSink interface {
	Publish(ctx context.Context, out Outputs) error
}

// WriterSink prints outputs as indented JSON.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Publish(_ context.Context, out Outputs) error {
	b, err := outputJSON.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = s.W.Write(append(b, '\n'))
	return err
}

// FileSink replaces the file at Path atomically.
type FileSink struct {
	Path string
}

func (s FileSink) Publish(_ context.Context, out Outputs) error {
	b, err := outputJSON.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".outputs-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

// ReadOutputs loads outputs written by FileSink. A missing file yields zero
// Outputs, which marks a first deployment.
func ReadOutputs(path string) (Outputs, error) {
	var out Outputs
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if err := outputJSON.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode outputs %s: %w", path, err)
	}
	return out, nil
}

// MultiSink publishes to every sink in order, stopping at the first error.
type MultiSink []OutputSink

func (m MultiSink) Publish(ctx context.Context, out Outputs) error {
	for _, s := range m {
		if err := s.Publish(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

// WriteResponse prints a resolver response as indented JSON.
func WriteResponse(w io.Writer, resp customresource.Response) error {
	b, err := outputJSON.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
