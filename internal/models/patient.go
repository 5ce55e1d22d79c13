package models

// Patient is a patient profile within the signed-in account. One account may own
// several profiles (family members, dependents); documents are isolated per profile.
type Patient struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session carries the identity under which the records backend is called. It is
// injected into the components that need it instead of being read from ambient global
// state, so tests can supply a fake session.
type Session struct {
	// Token is the bearer token sent on every backend request.
	Token string
	// AccountID identifies the signed-in account owning the patient profiles.
	AccountID string
}

// Document is the backend's metadata for an uploaded document. PatientID is the
// owning profile, which is what duplicate resolution compares against.
type Document struct {
	ID        int64  `json:"id"`
	PatientID string `json:"patient_id"`
	Filename  string `json:"filename"`
	Status    string `json:"status"`
}
