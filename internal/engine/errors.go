package engine

import (
	"fmt"

	"github.com/compresr/context-engine/internal/contextmodel"
)

func errNoBackend(svc contextmodel.Service) error {
	return fmt.Errorf("no backend registered for service %q", svc)
}

func errNotFoundAnywhere(id string) error {
	return fmt.Errorf("record %q not found in any backend", id)
}

func errNoQueryableBackend() error {
	return fmt.Errorf("no healthy backend can answer this query shape")
}
