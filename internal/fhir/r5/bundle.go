package r5

import (
	"encoding/json"
	"fmt"
)

// Bundle is a FHIR collection or transaction of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"` // collection | transaction | document | ...
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource of a Bundle, still encoded.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// BundleContents is a Bundle decoded by resource type, in entry order.
type BundleContents struct {
	MedicationRequests []MedicationRequest
	Patients           []Patient
	Practitioners      []Practitioner
	Organizations      []Organization

	// fullUrl of each practitioner and organization entry, by position
	practitionerURLs []string
	organizationURLs []string
}

// Decode splits the bundle entries by resource type. Unsupported
// resource types are skipped.
func (b *Bundle) Decode() (*BundleContents, error) {
	out := &BundleContents{}
	for i, entry := range b.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &head); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		var err error
		switch head.ResourceType {
		case "MedicationRequest":
			var mr MedicationRequest
			if err = mr.FromJSON(entry.Resource); err == nil {
				out.MedicationRequests = append(out.MedicationRequests, mr)
			}
		case "Patient":
			var p Patient
			if err = json.Unmarshal(entry.Resource, &p); err == nil {
				out.Patients = append(out.Patients, p)
			}
		case "Practitioner":
			var p Practitioner
			if err = json.Unmarshal(entry.Resource, &p); err == nil {
				out.Practitioners = append(out.Practitioners, p)
				out.practitionerURLs = append(out.practitionerURLs, entry.FullURL)
			}
		case "Organization":
			var o Organization
			if err = json.Unmarshal(entry.Resource, &o); err == nil {
				out.Organizations = append(out.Organizations, o)
				out.organizationURLs = append(out.organizationURLs, entry.FullURL)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, head.ResourceType, err)
		}
	}
	return out, nil
}

// Practitioner resolves a reference against the bundle's practitioners
func (c *BundleContents) Practitioner(ref *Reference) *Practitioner {
	if ref == nil {
		return nil
	}
	for i := range c.Practitioners {
		if refersTo(ref.Reference, "Practitioner", c.Practitioners[i].ID, c.practitionerURLs[i]) {
			return &c.Practitioners[i]
		}
	}
	return nil
}

// Organization resolves a reference against the bundle's organizations
func (c *BundleContents) Organization(ref *Reference) *Organization {
	if ref == nil {
		return nil
	}
	for i := range c.Organizations {
		if refersTo(ref.Reference, "Organization", c.Organizations[i].ID, c.organizationURLs[i]) {
			return &c.Organizations[i]
		}
	}
	return nil
}

func refersTo(ref, kind, id, fullURL string) bool {
	if ref == "" {
		return false
	}
	if fullURL != "" && ref == fullURL {
		return true
	}
	return id != "" && ref == kind+"/"+id
}
