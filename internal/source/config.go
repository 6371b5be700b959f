package source

import (
	"fmt"

	"github.com/cuongbtq/listing-extractor/internal/config"
)

// FromConfig builds a registry holding one adapter per configured source
func FromConfig(sources []config.SourceConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, sc := range sources {
		var a Adapter
		switch sc.Type {
		case config.SourceTypeMock:
			a = NewMockAdapter(MockAdapterOptions{
				Name:        sc.Name,
				ImageCount:  sc.ImageCount,
				FailureRate: sc.FailureRate,
			})
		case config.SourceTypeHTML, "":
			html, err := NewHTMLAdapter(HTMLAdapterOptions{
				Name:          sc.Name,
				URLTemplate:   sc.URLTemplate,
				ImageSelector: sc.ImageSelector,
				UserAgent:     sc.UserAgent,
				Timeout:       sc.Timeout,
				MaxImages:     sc.MaxImages,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create source %s: %w", sc.Name, err)
			}
			a = html
		default:
			return nil, fmt.Errorf("source %s: unknown type %q", sc.Name, sc.Type)
		}

		if err := reg.Register(a, sc.Priority); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
