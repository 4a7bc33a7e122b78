package org

import (
	"time"

	"github.com/google/uuid"
)

type Address struct {
	Line  string `json:"line,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
}

// Organization maps to the organization table.
type Organization struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Address       Address   `json:"address"`
	Active        bool      `json:"active"`
	CreditBalance int64     `json:"credit_balance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Branch struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Name           string    `json:"name"`
	Address        Address   `json:"address"`
	CreatedAt      time.Time `json:"created_at"`
}

// Department is a receiving unit that referrals are addressed to.
type Department struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	BranchID       *uuid.UUID `json:"branch_id,omitempty"`
	Name           string     `json:"name"`
	Specialties    []string   `json:"specialties"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
}

type User struct {
	ID             uuid.UUID   `json:"id"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	Email          string      `json:"email"`
	Name           string      `json:"name"`
	Role           string      `json:"role"`
	PasswordHash   string      `json:"-"`
	DepartmentIDs  []uuid.UUID `json:"department_ids"`
	Active         bool        `json:"active"`
	CreatedAt      time.Time   `json:"created_at"`
}

// CreditTransaction is one ledger line. Delta is positive for top-ups and
// incoming assignments, negative for debits and outgoing assignments.
type CreditTransaction struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Delta          int64     `json:"delta"`
	BalanceAfter   int64     `json:"balance_after"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// DepartmentFilter narrows department directory listings.
type DepartmentFilter struct {
	OrganizationID *uuid.UUID
	BranchID       *uuid.UUID
	Specialty      string
}

func (f DepartmentFilter) Matches(d *Department) bool {
	if f.OrganizationID != nil && d.OrganizationID != *f.OrganizationID {
		return false
	}
	if f.BranchID != nil && (d.BranchID == nil || *d.BranchID != *f.BranchID) {
		return false
	}
	if f.Specialty != "" {
		for _, s := range d.Specialties {
			if s == f.Specialty {
				return true
			}
		}
		return false
	}
	return true
}
