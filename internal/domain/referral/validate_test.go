package referral

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var validateNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func fieldsOf(err error) []string {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]string, len(ve.Fields))
	for i, f := range ve.Fields {
		out[i] = f.Field
	}
	return out
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Referral)
		sending bool
		fields  string
	}{
		{"valid", func(r *Referral) {}, true, ""},
		{"missing names", func(r *Referral) { r.Patient.FirstName, r.Patient.LastName = "", "" }, false, "patient.first_name,patient.last_name"},
		{"bad dob", func(r *Referral) { r.Patient.DateOfBirth = "04/12/1950" }, false, "patient.date_of_birth"},
		{"future dob", func(r *Referral) { r.Patient.DateOfBirth = "2030-01-01" }, false, "patient.date_of_birth"},
		{"no services to send", func(r *Referral) { r.Services = Services{} }, true, "services"},
		{"no services in draft", func(r *Referral) { r.Services = Services{} }, false, ""},
		{"other service is enough", func(r *Referral) { r.Services = Services{Other: "wound care"} }, true, ""},
		{"no insurance", func(r *Referral) { r.Insurance = nil }, false, "insurance[0]"},
		{"secondary incomplete", func(r *Referral) { r.Insurance = append(r.Insurance, Insurance{Payer: "Aetna"}) }, false, "insurance[1]"},
		{"insurance link", func(r *Referral) { r.Insurance[0].DocumentURL = "ftp://x/card.png" }, false, "insurance[0].document_url"},
		{"attachment link", func(r *Referral) { r.Attachments.SignedOrder = "not a url" }, false, "attachments.signed_order"},
		{"document without name", func(r *Referral) {
			r.Attachments.WoundPhotos = []Document{{URL: "https://files.example.test/w1.jpg"}}
		}, false, "attachments.wound_photos[0].name"},
		{"ssn", func(r *Referral) { r.AdditionalInfo.SSN = "12-345" }, false, "additional_info.ssn"},
		{"ssn without dashes", func(r *Referral) { r.AdditionalInfo.SSN = "123456789" }, false, ""},
		{"pcp", func(r *Referral) { r.PrimaryCare = &PrimaryCare{NPI: "123", Email: "nope"} }, false, "primary_care.name,primary_care.npi,primary_care.email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validReferral()
			tt.mutate(&r)
			Normalize(&r)
			err := Validate(&r, tt.sending, validateNow)
			if got := strings.Join(fieldsOf(err), ","); got != tt.fields {
				t.Errorf("fields = %q, want %q (err %v)", got, tt.fields, err)
			}
			if tt.fields != "" && !errors.Is(err, ErrValidation) {
				t.Error("expected ErrValidation")
			}
		})
	}
}

func TestValidate_MessagesNameTheField(t *testing.T) {
	r := validReferral()
	r.Insurance = []Insurance{{Payer: "BCBS", Policy: "P123"}, {Payer: "Aetna"}}
	err := Validate(&r, false, validateNow)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), msgPrimaryInsurance) || !strings.Contains(err.Error(), "Insurance 2:") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestNormalize(t *testing.T) {
	r := validReferral()
	r.Patient.FirstName = "  Maria "
	r.Services.Specialties = []string{"hospice", " hospice", "", "therapy"}
	r.Insurance = append(r.Insurance, Insurance{}, Insurance{Payer: " Aetna ", Policy: "A1", PlanGroup: "X"})
	r.Attachments.OtherDocuments = []Document{{}, {Name: "Labs", URL: "https://files.example.test/labs.pdf"}}
	r.PrimaryCare = &PrimaryCare{Name: "  "}
	Normalize(&r)

	if r.Patient.FirstName != "Maria" {
		t.Errorf("name not trimmed: %q", r.Patient.FirstName)
	}
	if strings.Join(r.Services.Specialties, ",") != "hospice,therapy" {
		t.Errorf("specialties not deduplicated: %v", r.Services.Specialties)
	}
	if len(r.Insurance) != 2 || r.Insurance[1].Payer != "Aetna" {
		t.Errorf("empty secondary insurance not dropped: %+v", r.Insurance)
	}
	if len(r.Attachments.OtherDocuments) != 1 {
		t.Errorf("empty document not dropped: %+v", r.Attachments.OtherDocuments)
	}
	if r.PrimaryCare != nil {
		t.Error("blank primary care should be dropped")
	}
}

func TestValidateTargets(t *testing.T) {
	d := uuid.New()
	tests := []struct {
		name    string
		targets []Target
		wantErr bool
	}{
		{"none", nil, true},
		{"one", []Target{{DepartmentID: d}}, false},
		{"nil id", []Target{{}}, true},
		{"duplicate", []Target{{DepartmentID: d}, {DepartmentID: d, PaidBySender: true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTargets(tt.targets)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTargets() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if err := ValidateTargets(nil); err.Error() != msgTargets {
		t.Errorf("unexpected message %q", err.Error())
	}
}
