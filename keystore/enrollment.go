package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"southwinds.dev/biogate/internal/crypto"
)

const enrollmentBlob = "enrollment.json"

// EnrollmentSource tells a store which biometrics are currently enrolled.
// The digest changes whenever a template is added or removed.
type EnrollmentSource interface {
	EnrollmentDigest(ctx context.Context) (string, error)
	HasEnrollments(ctx context.Context) (bool, error)
}

// Template is one enrolled biometric
type Template struct {
	ID         string    `json:"id"`
	Label      string    `json:"label,omitempty"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

type enrollmentDocument struct {
	Version   int        `json:"version"`
	Templates []Template `json:"templates"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// EnrollmentRegistry persists the set of enrolled biometric templates in the
// store backend. It stands in for the device's biometric enrollment database.
type EnrollmentRegistry struct {
	backend Backend
	mu      sync.Mutex
}

// NewEnrollmentRegistry creates a registry on top of backend
func NewEnrollmentRegistry(backend Backend) (*EnrollmentRegistry, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	return &EnrollmentRegistry{backend: backend}, nil
}

// Enroll adds a template. Enrolling an existing id is an error.
func (r *EnrollmentRegistry) Enroll(ctx context.Context, id, label string) (*Template, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("template id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var enrolled Template
	err := r.update(ctx, "enroll", func(doc *enrollmentDocument) error {
		for _, t := range doc.Templates {
			if t.ID == id {
				return fmt.Errorf("template %s is already enrolled", id)
			}
		}
		enrolled = Template{ID: id, Label: label, EnrolledAt: time.Now().UTC()}
		doc.Templates = append(doc.Templates, enrolled)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &enrolled, nil
}

// Remove deletes a template
func (r *EnrollmentRegistry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.update(ctx, "remove", func(doc *enrollmentDocument) error {
		for i, t := range doc.Templates {
			if t.ID == id {
				doc.Templates = append(doc.Templates[:i], doc.Templates[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	})
}

// List returns the enrolled templates sorted by id
func (r *EnrollmentRegistry) List(ctx context.Context) ([]Template, error) {
	doc, _, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	templates := append([]Template(nil), doc.Templates...)
	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates, nil
}

// EnrollmentDigest is the SHA-256 of the sorted template ids
func (r *EnrollmentRegistry) EnrollmentDigest(ctx context.Context) (string, error) {
	doc, _, err := r.load(ctx)
	if err != nil {
		return "", err
	}
	return digestTemplates(doc.Templates), nil
}

func (r *EnrollmentRegistry) HasEnrollments(ctx context.Context) (bool, error) {
	doc, _, err := r.load(ctx)
	if err != nil {
		return false, err
	}
	return len(doc.Templates) > 0, nil
}

func (r *EnrollmentRegistry) load(ctx context.Context) (*enrollmentDocument, string, error) {
	data, err := r.backend.Load(ctx, enrollmentBlob)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return &enrollmentDocument{Version: 1}, "", nil
		}
		return nil, "", fmt.Errorf("%w: failed to load enrollments: %w", ErrStoreUnavailable, err)
	}

	var doc enrollmentDocument
	if err = json.Unmarshal(data.Data, &doc); err != nil {
		return nil, "", fmt.Errorf("failed to parse enrollments: %w", err)
	}
	return &doc, data.Version, nil
}

func (r *EnrollmentRegistry) update(ctx context.Context, op string, mutate func(doc *enrollmentDocument) error) error {
	return withRetry(ctx, "enrollment "+op, func() error {
		doc, version, err := r.load(ctx)
		if err != nil {
			return err
		}
		if err = mutate(doc); err != nil {
			return err
		}
		doc.UpdatedAt = time.Now().UTC()

		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal enrollments: %w", err)
		}
		_, err = r.backend.Save(ctx, enrollmentBlob, data, version)
		return err
	})
}

func digestTemplates(templates []Template) string {
	ids := make([]string, 0, len(templates))
	for _, t := range templates {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return crypto.CalculateChecksum([]byte(strings.Join(ids, "\n")))
}
