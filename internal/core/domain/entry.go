package domain

import "strings"

type EntryKind string

const (
	KindTest    EntryKind = "test"
	KindProfile EntryKind = "profile"
)

// ProfileSuffix marks bundle profiles in the catalog code convention.
const ProfileSuffix = "ОБС"

// CatalogEntry is one row of the laboratory catalog snapshot. Codes are
// case-insensitive but always presented upper-case. Any free-text field
// may be empty.
type CatalogEntry struct {
	Code                   string `json:"code"`
	Name                   string `json:"name"`
	Department             string `json:"department"`
	Biomaterial            string `json:"biomaterial,omitempty"`
	ContainerPrimary       string `json:"container_primary,omitempty"`
	ContainerStorage       string `json:"container_storage,omitempty"`
	ContainerNumber        string `json:"container_number,omitempty"`
	StorageTemp            string `json:"storage_temp,omitempty"`
	Preanalytics           string `json:"preanalytics,omitempty"`
	PatientPreparation     string `json:"patient_preparation,omitempty"`
	ImportantInformation   string `json:"important_information,omitempty"`
	PossPostorderContainer string `json:"poss_postorder_container,omitempty"`
	FormLink               string `json:"form_link,omitempty"`
	AdditionalInfoLink     string `json:"additional_information_link,omitempty"`
}

func (e CatalogEntry) Kind() EntryKind {
	if e.IsProfile() {
		return KindProfile
	}
	return KindTest
}

func (e CatalogEntry) IsProfile() bool {
	return IsProfileCode(e.Code)
}

// IsProfileCode reports whether a catalog code names a bundle profile.
func IsProfileCode(code string) bool {
	return strings.HasSuffix(strings.ToUpper(strings.TrimSpace(code)), ProfileSuffix)
}

// ContainerNumbers decodes the delimited container_number field into the
// list of small integers it encodes. Malformed pieces are skipped.
func (e CatalogEntry) ContainerNumbers() []int {
	raw := strings.FieldsFunc(e.ContainerNumber, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	out := make([]int, 0, len(raw))
	for _, piece := range raw {
		n := 0
		ok := len(piece) > 0
		for _, r := range piece {
			if r < '0' || r > '9' {
				ok = false
				break
			}
			n = n*10 + int(r-'0')
		}
		if ok {
			out = append(out, n)
		}
	}
	return out
}

// ScoredEntry pairs a catalog entry with a retrieval or rerank score.
// Scores from the vector store are in [0,1]; fuzzy code scores are 0..100
// normalized by the caller before mixing.
type ScoredEntry struct {
	Entry CatalogEntry `json:"entry"`
	Score float64      `json:"score"`
}
