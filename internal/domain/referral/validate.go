package referral

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	msgPrimaryInsurance = "Primary insurance: Payer, Policy #, and Plan/Group are required."
	msgTargets          = "Please select at least one receiving department."
)

var (
	ssnPattern = regexp.MustCompile(`^\d{3}-?\d{2}-?\d{4}$`)
	npiPattern = regexp.MustCompile(`^\d{10}$`)
)

// Normalize trims text fields and drops empty optional entries so that
// validation and storage see the same shape.
func Normalize(r *Referral) {
	trim := strings.TrimSpace
	p := &r.Patient
	p.FirstName, p.LastName, p.DateOfBirth, p.Gender = trim(p.FirstName), trim(p.LastName), trim(p.DateOfBirth), trim(p.Gender)
	p.Address = Address{Line: trim(p.Address.Line), City: trim(p.Address.City), State: trim(p.Address.State), Zip: trim(p.Address.Zip)}

	specialties := r.Services.Specialties[:0]
	seen := make(map[string]struct{}, len(r.Services.Specialties))
	for _, s := range r.Services.Specialties {
		s = trim(s)
		if _, dup := seen[s]; s == "" || dup {
			continue
		}
		seen[s] = struct{}{}
		specialties = append(specialties, s)
	}
	r.Services.Specialties = specialties
	r.Services.Other = trim(r.Services.Other)

	ins := make([]Insurance, 0, len(r.Insurance))
	for i, in := range r.Insurance {
		in = Insurance{Payer: trim(in.Payer), Policy: trim(in.Policy), PlanGroup: trim(in.PlanGroup), DocumentURL: trim(in.DocumentURL)}
		if i > 0 && in.empty() {
			continue
		}
		ins = append(ins, in)
	}
	r.Insurance = ins

	r.Attachments.WoundPhotos = compactDocuments(r.Attachments.WoundPhotos)
	r.Attachments.OtherDocuments = compactDocuments(r.Attachments.OtherDocuments)

	if r.PrimaryCare != nil {
		pc := PrimaryCare{Name: trim(r.PrimaryCare.Name), Phone: trim(r.PrimaryCare.Phone), Email: trim(r.PrimaryCare.Email), NPI: trim(r.PrimaryCare.NPI)}
		if pc == (PrimaryCare{}) {
			r.PrimaryCare = nil
		} else {
			r.PrimaryCare = &pc
		}
	}

	a := &r.AdditionalInfo
	a.Phone, a.Language, a.SSN = trim(a.Phone), trim(a.Language), trim(a.SSN)
	a.RepresentativeName, a.RepresentativePhone = trim(a.RepresentativeName), trim(a.RepresentativePhone)
}

func compactDocuments(docs []Document) []Document {
	var out []Document
	for _, d := range docs {
		d.Name, d.URL = strings.TrimSpace(d.Name), strings.TrimSpace(d.URL)
		if d.Name == "" && d.URL == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Validate checks a referral before anything is written. Sending also needs
// at least one requested service.
func Validate(r *Referral, sending bool, now time.Time) error {
	v := &ValidationError{}

	if r.Patient.FirstName == "" {
		v.add("patient.first_name", "Patient first name is required.")
	}
	if r.Patient.LastName == "" {
		v.add("patient.last_name", "Patient last name is required.")
	}
	if dob := r.Patient.DateOfBirth; dob != "" {
		t, err := time.Parse("2006-01-02", dob)
		switch {
		case err != nil:
			v.add("patient.date_of_birth", "Date of birth must be a date (YYYY-MM-DD).")
		case t.After(now):
			v.add("patient.date_of_birth", "Date of birth cannot be in the future.")
		}
	}

	if sending && len(r.Services.Specialties) == 0 && r.Services.Other == "" {
		v.add("services", "Please select at least one requested service.")
	}

	if len(r.Insurance) == 0 || !r.Insurance[0].complete() {
		v.add("insurance[0]", msgPrimaryInsurance)
	}
	for i := 1; i < len(r.Insurance); i++ {
		if !r.Insurance[i].complete() {
			v.add(fmt.Sprintf("insurance[%d]", i), fmt.Sprintf("Insurance %d: Payer, Policy #, and Plan/Group are required.", i+1))
		}
	}
	for i, in := range r.Insurance {
		checkURL(v, fmt.Sprintf("insurance[%d].document_url", i), in.DocumentURL)
	}

	a := r.Attachments
	checkURL(v, "attachments.face_sheet", a.FaceSheet)
	checkURL(v, "attachments.medication_list", a.MedicationList)
	checkURL(v, "attachments.discharge_summary", a.DischargeSummary)
	checkURL(v, "attachments.signed_order", a.SignedOrder)
	checkURL(v, "attachments.history_physical", a.HistoryPhysical)
	checkURL(v, "attachments.progress_notes", a.ProgressNotes)
	checkDocuments(v, "attachments.wound_photos", a.WoundPhotos)
	checkDocuments(v, "attachments.other_documents", a.OtherDocuments)

	if ssn := r.AdditionalInfo.SSN; ssn != "" && !ssnPattern.MatchString(ssn) {
		v.add("additional_info.ssn", "SSN must have 9 digits.")
	}

	if pc := r.PrimaryCare; pc != nil {
		if pc.Name == "" {
			v.add("primary_care.name", "Primary care physician name is required.")
		}
		if pc.NPI != "" && !npiPattern.MatchString(pc.NPI) {
			v.add("primary_care.npi", "Primary care NPI must have 10 digits.")
		}
		if pc.Email != "" {
			if _, err := mail.ParseAddress(pc.Email); err != nil {
				v.add("primary_care.email", "Primary care email is not valid.")
			}
		}
	}

	return v.orNil()
}

// ValidateTargets checks the receiving departments of a send.
func ValidateTargets(targets []Target) error {
	v := &ValidationError{}
	if len(targets) == 0 {
		v.add("departments", msgTargets)
		return v
	}
	seen := make(map[uuid.UUID]struct{}, len(targets))
	for i, t := range targets {
		if t.DepartmentID == uuid.Nil {
			v.add(fmt.Sprintf("departments[%d]", i), "Department is required.")
			continue
		}
		if _, dup := seen[t.DepartmentID]; dup {
			v.add(fmt.Sprintf("departments[%d]", i), "Each department can only be selected once.")
		}
		seen[t.DepartmentID] = struct{}{}
	}
	return v.orNil()
}

func checkURL(v *ValidationError, field, raw string) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.add(field, "Document link must be an http(s) URL.")
	}
}

func checkDocuments(v *ValidationError, field string, docs []Document) {
	for i, d := range docs {
		f := fmt.Sprintf("%s[%d]", field, i)
		if d.Name == "" {
			v.add(f+".name", "Document name is required.")
		}
		if d.URL == "" {
			v.add(f+".url", "Document link is required.")
			continue
		}
		checkURL(v, f+".url", d.URL)
	}
}
