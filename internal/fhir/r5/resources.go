package r5

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate    string       `json:"birthDate,omitempty"`
}

// GetFullName returns the patient's official name as a string.
func (p *Patient) GetFullName() string {
	if name := officialName(p.Name); name != nil {
		return name.String()
	}
	return ""
}

// Practitioner represents a FHIR R5 Practitioner resource.
type Practitioner struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
}

// GetFullName returns the practitioner's official name as a string.
func (p *Practitioner) GetFullName() string {
	if name := officialName(p.Name); name != nil {
		return name.String()
	}
	return ""
}

// Organization represents a FHIR R5 Organization resource.
type Organization struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         string       `json:"name,omitempty"`
	Alias        []string     `json:"alias,omitempty"`
}
