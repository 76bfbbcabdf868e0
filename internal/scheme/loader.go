// Copyright 2024 Yojana AI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheme

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SchemePageURL is the public page of a scheme on myscheme.gov.in
const SchemePageURL = "https://www.myscheme.gov.in/schemes/"

var (
	// ErrEmptyCorpus is returned when a corpus yields no records
	ErrEmptyCorpus = errors.New("corpus contains no schemes")
)

// corpusRecord is the flat corpus shape. Aliased fields are resolved once
// in toScheme so downstream code sees a single name per concept.
type corpusRecord struct {
	ID                 string              `json:"id"`
	Slug               string              `json:"slug"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	Purpose            string              `json:"purpose"`
	Eligibility        string              `json:"eligibility"`
	Benefits           string              `json:"benefits"`
	Exclusions         string              `json:"exclusions"`
	Category           TextOrList          `json:"category"`
	Sector             TextOrList          `json:"sector"`
	Beneficiaries      TextOrList          `json:"beneficiaries"`
	BenefitType        string              `json:"benefitType"`
	BenefitTypeAlt     string              `json:"benefit_type"`
	Department         string              `json:"department"`
	Agency             string              `json:"agency"`
	Level              string              `json:"level"`
	State              string              `json:"state"`
	Tags               TextOrList          `json:"tags"`
	Keywords           TextOrList          `json:"keywords"`
	Age                map[string]AgeRange `json:"age"`
	ApplicationProcess []string            `json:"applicationProcess"`
	References         []Link              `json:"references"`
	Link               string              `json:"link"`

	// Fields wraps the record when it comes straight from the search API
	Fields *searchFields `json:"fields"`
}

// searchFields is the item shape returned by the myscheme search API
type searchFields struct {
	Slug              string     `json:"slug"`
	SchemeName        string     `json:"schemeName"`
	SchemeShortTitle  string     `json:"schemeShortTitle"`
	BriefDescription  string     `json:"briefDescription"`
	SchemeCategory    TextOrList `json:"schemeCategory"`
	BeneficiaryState  TextOrList `json:"beneficiaryState"`
	Level             TextOrList `json:"level"`
	NodalMinistryName TextOrList `json:"nodalMinistryName"`
	Tags              TextOrList `json:"tags"`
}

func (r corpusRecord) toScheme() Scheme {
	if r.Fields != nil {
		return r.Fields.toScheme(r.ID)
	}

	s := Scheme{
		ID:                 strings.TrimSpace(r.ID),
		Slug:               strings.TrimSpace(r.Slug),
		Name:               strings.TrimSpace(r.Name),
		Description:        firstNonEmpty(r.Description, r.Purpose),
		Eligibility:        r.Eligibility,
		Benefits:           r.Benefits,
		Exclusions:         r.Exclusions,
		Category:           r.Category,
		Beneficiaries:      r.Beneficiaries,
		BenefitType:        firstNonEmpty(r.BenefitType, r.BenefitTypeAlt),
		Department:         r.Department,
		Agency:             r.Agency,
		Level:              r.Level,
		State:              r.State,
		Tags:               r.Tags,
		AgeEligibility:     r.Age,
		ApplicationProcess: r.ApplicationProcess,
		References:         r.References,
		Link:               r.Link,
	}
	if s.Category.IsEmpty() {
		s.Category = r.Sector
	}
	if s.Tags.IsEmpty() {
		s.Tags = r.Keywords
	}
	if s.Link == "" && s.Slug != "" {
		s.Link = SchemePageURL + s.Slug
	}
	return s
}

func (f searchFields) toScheme(id string) Scheme {
	s := Scheme{
		ID:          strings.TrimSpace(id),
		Slug:        strings.TrimSpace(f.Slug),
		Name:        firstNonEmpty(f.SchemeName, f.SchemeShortTitle),
		Description: f.BriefDescription,
		Category:    f.SchemeCategory,
		Level:       f.Level.Joined(),
		State:       f.BeneficiaryState.Joined(),
		Agency:      f.NodalMinistryName.Joined(),
		Tags:        f.Tags,
	}
	if s.Slug != "" {
		s.Link = SchemePageURL + s.Slug
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// assignID fills a missing id from the slug, else a random UUID
func assignID(s *Scheme) {
	if s.ID != "" {
		return
	}
	if s.Slug != "" {
		s.ID = s.Slug
		return
	}
	s.ID = uuid.NewString()
}

// LoadCorpus reads a flat JSON array of scheme records keyed by id
func LoadCorpus(path string, logger *zap.Logger) (map[string]Scheme, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus %s: %w", path, err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse corpus %s: %w", path, err)
	}

	schemes := make(map[string]Scheme, len(raw))
	for i, item := range raw {
		var rec corpusRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			logger.Warn("Skipping malformed scheme record",
				zap.String("path", path),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}

		s := rec.toScheme()
		if s.Name == "" {
			logger.Warn("Skipping scheme record without name",
				zap.String("path", path),
				zap.Int("index", i))
			continue
		}
		assignID(&s)

		if _, dup := schemes[s.ID]; dup {
			logger.Warn("Duplicate scheme id, keeping last record", zap.String("id", s.ID))
		}
		schemes[s.ID] = s
	}

	logger.Info("Loaded scheme corpus",
		zap.String("path", path),
		zap.Int("records", len(raw)),
		zap.Int("schemes", len(schemes)))

	return schemes, nil
}

// detailDocument is the myscheme v5 per-scheme detail shape
type detailDocument struct {
	ID   string `json:"_id"`
	Slug string `json:"slug"`
	En   struct {
		BasicDetails struct {
			SchemeName          string     `json:"schemeName"`
			SchemeShortTitle    string     `json:"schemeShortTitle"`
			Level               TextOrList `json:"level"`
			State               TextOrList `json:"state"`
			NodalMinistryName   TextOrList `json:"nodalMinistryName"`
			NodalDepartmentName TextOrList `json:"nodalDepartmentName"`
			SchemeCategory      TextOrList `json:"schemeCategory"`
			TargetBeneficiaries TextOrList `json:"targetBeneficiaries"`
			Tags                TextOrList `json:"tags"`
		} `json:"basicDetails"`
		SchemeContent struct {
			BriefDescription    string     `json:"briefDescription"`
			DetailedDescription string     `json:"detailedDescription_md"`
			Benefits            string     `json:"benefits_md"`
			Exclusions          string     `json:"exclusions_md"`
			BenefitTypes        TextOrList `json:"benefitTypes"`
			References          []struct {
				Title string `json:"title"`
				URL   string `json:"url"`
			} `json:"references"`
		} `json:"schemeContent"`
		EligibilityCriteria struct {
			Description string `json:"eligibilityDescription_md"`
		} `json:"eligibilityCriteria"`
		ApplicationProcess []struct {
			Mode    string `json:"mode"`
			Process string `json:"process_md"`
		} `json:"applicationProcess"`
	} `json:"en"`
	Age map[string]AgeRange `json:"age"`
}

func (d detailDocument) toScheme(slug string) Scheme {
	basic := d.En.BasicDetails
	content := d.En.SchemeContent

	s := Scheme{
		ID:             strings.TrimSpace(d.ID),
		Slug:           firstNonEmpty(d.Slug, slug),
		Name:           firstNonEmpty(basic.SchemeName, basic.SchemeShortTitle),
		Description:    firstNonEmpty(content.BriefDescription, content.DetailedDescription),
		Eligibility:    d.En.EligibilityCriteria.Description,
		Benefits:       content.Benefits,
		Exclusions:     content.Exclusions,
		Category:       basic.SchemeCategory,
		Beneficiaries:  basic.TargetBeneficiaries,
		BenefitType:    content.BenefitTypes.Joined(),
		Department:     basic.NodalDepartmentName.Joined(),
		Agency:         basic.NodalMinistryName.Joined(),
		Level:          basic.Level.Joined(),
		State:          basic.State.Joined(),
		Tags:           basic.Tags,
		AgeEligibility: d.Age,
	}

	for _, step := range d.En.ApplicationProcess {
		text := CleanText(step.Process)
		if text == "" {
			continue
		}
		if step.Mode != "" {
			text = step.Mode + ": " + text
		}
		s.ApplicationProcess = append(s.ApplicationProcess, text)
	}
	for _, ref := range content.References {
		s.References = append(s.References, Link{Title: ref.Title, URL: ref.URL})
	}
	if s.Slug != "" {
		s.Link = SchemePageURL + s.Slug
	}
	return s
}

// LoadDetailsDir reads every *.json file in dir. Each file maps slug to a
// detail document. A malformed record is logged and skipped.
func LoadDetailsDir(dir string, logger *zap.Logger) (map[string]Scheme, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list details directory %s: %w", dir, err)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("failed to read details directory %s: %w", dir, err)
	}
	sort.Strings(files)

	schemes := make(map[string]Scheme)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read details file %s: %w", file, err)
		}

		var bySlug map[string]json.RawMessage
		if err := json.Unmarshal(data, &bySlug); err != nil {
			logger.Warn("Skipping malformed details file",
				zap.String("file", file),
				zap.Error(err))
			continue
		}

		for slug, raw := range bySlug {
			s := parseDetail(slug, raw, logger)
			if s.IsZero() {
				continue
			}
			assignID(&s)
			schemes[s.ID] = s
		}
	}

	logger.Info("Loaded scheme details",
		zap.String("dir", dir),
		zap.Int("files", len(files)),
		zap.Int("schemes", len(schemes)))

	return schemes, nil
}

// parseDetail returns an empty Scheme when the record cannot be decoded
func parseDetail(slug string, raw json.RawMessage, logger *zap.Logger) Scheme {
	var doc detailDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Warn("Skipping malformed scheme detail",
			zap.String("slug", slug),
			zap.Error(err))
		return Scheme{}
	}

	s := doc.toScheme(slug)
	if s.Name == "" {
		logger.Warn("Skipping scheme detail without name", zap.String("slug", slug))
		return Scheme{}
	}
	return s
}

// Load reads a corpus file or a details directory
func Load(path string, logger *zap.Logger) (map[string]Scheme, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat corpus path %s: %w", path, err)
	}

	var schemes map[string]Scheme
	if info.IsDir() {
		schemes, err = LoadDetailsDir(path, logger)
	} else {
		schemes, err = LoadCorpus(path, logger)
	}
	if err != nil {
		return nil, err
	}
	if len(schemes) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyCorpus)
	}
	return schemes, nil
}

// Sorted returns the schemes ordered by id
func Sorted(schemes map[string]Scheme) []Scheme {
	out := make([]Scheme, 0, len(schemes))
	for _, s := range schemes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
