package container

import (
	"fmt"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// New returns the runtime for the machine's backend type.
func New(m *models.Machine, opts Options) (Runtime, error) {
	opts.defaults()
	o := &opts

	var (
		rt  Runtime
		err error
	)
	switch m.Type {
	case models.BackendDocker:
		var d *Docker
		if d, err = newDocker(m, o); err == nil {
			rt = d
		}
	case models.BackendPodman:
		rt = newPodman(m, o)
	case models.BackendLXD:
		var l *LXD
		if l, err = newLXD(m, o); err == nil {
			rt = l
		}
	case models.BackendStatic:
		var s *Static
		if s, err = newStatic(m, o); err == nil {
			rt = s
		}
	case models.BackendHosted:
		var h *Hosted
		if h, err = newHosted(m, o); err == nil {
			rt = h
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedBackend, m.Type)
	}
	if err != nil {
		return nil, err
	}
	return rt, nil
}
