package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// APIResponse is the standard JSON envelope for all API responses.
type APIResponse struct {
	Data interface{} `json:"data"`
	Meta *Meta       `json:"meta,omitempty"`
}

// Meta contains pagination metadata.
type Meta struct {
	Total int `json:"total,omitempty"`
	Page  int `json:"page,omitempty"`
	Limit int `json:"limit,omitempty"`
}

type User struct {
	ID          int64   `json:"id"`
	Username    string  `json:"username"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Role        string  `json:"role"`
	Active      bool    `json:"active"`
	LastLogin   *string `json:"last_login"`
	CreatedAt   string  `json:"created_at"`
}

type Crop struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Code      string        `json:"code"`
	Varieties []CropVariety `json:"varieties"`
	CreatedAt string        `json:"created_at"`
}

type CropVariety struct {
	ID       int64  `json:"id"`
	CropID   int64  `json:"crop_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// ApplicationForm is an SR4, SR6 or QDS registration application.
type ApplicationForm struct {
	ID                 int64           `json:"id"`
	FormType           string          `json:"form_type"`
	UserID             int64           `json:"user_id"`
	ApplicantName      string          `json:"applicant_name"`
	Address            string          `json:"address"`
	Phone              string          `json:"phone"`
	PremisesLocation   string          `json:"premises_location"`
	Experience         string          `json:"experience"`
	DealersIn          string          `json:"dealers_in"`
	Details            json.RawMessage `json:"details,omitempty"`
	Status             string          `json:"status"`
	StatusComment      string          `json:"status_comment"`
	InspectorID        *int64          `json:"inspector_id"`
	ReceiptID          *int64          `json:"receipt_id"`
	RegistrationNumber *string         `json:"registration_number"`
	ValidFrom          string          `json:"valid_from"`
	ValidUntil         string          `json:"valid_until"`
	CreatedAt          string          `json:"created_at"`
	UpdatedAt          string          `json:"updated_at"`
}

type ImportPermit struct {
	ID              int64              `json:"id"`
	UserID          int64              `json:"user_id"`
	PermitType      string             `json:"permit_type"`
	ApplicantName   string             `json:"applicant_name"`
	Address         string             `json:"address"`
	Phone           string             `json:"phone"`
	CountryOfOrigin string             `json:"country_of_origin"`
	SupplierName    string             `json:"supplier_name"`
	SupplierAddress string             `json:"supplier_address"`
	Purpose         string             `json:"purpose"`
	Status          string             `json:"status"`
	StatusComment   string             `json:"status_comment"`
	InspectorID     *int64             `json:"inspector_id"`
	PermitNumber    *string            `json:"permit_number"`
	ValidUntil      string             `json:"valid_until"`
	Items           []ImportPermitItem `json:"items"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
}

type ImportPermitItem struct {
	ID       int64           `json:"id"`
	CropID   int64           `json:"crop_id"`
	CropName string          `json:"crop_name"`
	Variety  string          `json:"variety"`
	Category string          `json:"category"`
	Weight   decimal.Decimal `json:"weight"`
	Unit     string          `json:"unit"`
}

// PlantingReturn is an SR8 return of seed planted for multiplication.
type PlantingReturn struct {
	ID                  int64           `json:"id"`
	UserID              int64           `json:"user_id"`
	ApplicantName       string          `json:"applicant_name"`
	District            string          `json:"district"`
	Subcounty           string          `json:"subcounty"`
	Village             string          `json:"village"`
	CropID              int64           `json:"crop_id"`
	CropName            string          `json:"crop_name"`
	Variety             string          `json:"variety"`
	SeedClass           string          `json:"seed_class"`
	QuantityPlanted     decimal.Decimal `json:"quantity_planted"`
	AreaHa              decimal.Decimal `json:"area_ha"`
	PlantingDate        string          `json:"planting_date"`
	ExpectedHarvestDate string          `json:"expected_harvest_date"`
	SourceLotNumber     string          `json:"source_lot_number"`
	SR8Number           string          `json:"sr8_number"`
	Status              string          `json:"status"`
	StatusComment       string          `json:"status_comment"`
	InspectorID         *int64          `json:"inspector_id"`
	CreatedAt           string          `json:"created_at"`
	UpdatedAt           string          `json:"updated_at"`
}

type CropDeclaration struct {
	ID               int64            `json:"id"`
	UserID           int64            `json:"user_id"`
	PlantingReturnID *int64           `json:"planting_return_id"`
	CropID           int64            `json:"crop_id"`
	CropName         string           `json:"crop_name"`
	Variety          string           `json:"variety"`
	Category         string           `json:"category"`
	FieldSizeHa      decimal.Decimal  `json:"field_size_ha"`
	SeedSource       string           `json:"seed_source"`
	SourceLotNumber  string           `json:"source_lot_number"`
	Location         string           `json:"location"`
	Status           string           `json:"status"`
	StatusComment    string           `json:"status_comment"`
	InspectorID      *int64           `json:"inspector_id"`
	CurrentStage     string           `json:"current_stage"`
	Inspections      []CropInspection `json:"inspections,omitempty"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
}

type CropInspection struct {
	ID               int64           `json:"id"`
	DeclarationID    int64           `json:"declaration_id"`
	Stage            string          `json:"stage"`
	Decision         string          `json:"decision"`
	Remarks          string          `json:"remarks"`
	EstimatedYieldKg decimal.Decimal `json:"estimated_yield_kg"`
	InspectorID      int64           `json:"inspector_id"`
	InspectedAt      string          `json:"inspected_at"`
}

type StockExamination struct {
	ID                int64               `json:"id"`
	UserID            int64               `json:"user_id"`
	CropDeclarationID *int64              `json:"crop_declaration_id"`
	CropID            int64               `json:"crop_id"`
	CropName          string              `json:"crop_name"`
	Variety           string              `json:"variety"`
	Category          string              `json:"category"`
	QuantityKg        decimal.Decimal     `json:"quantity_kg"`
	StorageLocation   string              `json:"storage_location"`
	Status            string              `json:"status"`
	StatusComment     string              `json:"status_comment"`
	InspectorID       *int64              `json:"inspector_id"`
	MoisturePct       decimal.NullDecimal `json:"moisture_pct"`
	PurityPct         decimal.NullDecimal `json:"purity_pct"`
	GerminationPct    decimal.NullDecimal `json:"germination_pct"`
	ReportRemarks     string              `json:"report_remarks"`
	LotNumber         *string             `json:"lot_number"`
	CreatedAt         string              `json:"created_at"`
	UpdatedAt         string              `json:"updated_at"`
}

// StockRecord is an inspected lot held by a producer.
type StockRecord struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"user_id"`
	LotNumber  string          `json:"lot_number"`
	CropID     int64           `json:"crop_id"`
	CropName   string          `json:"crop_name"`
	Variety    string          `json:"variety"`
	Category   string          `json:"category"`
	QuantityKg decimal.Decimal `json:"quantity_kg"`
	Source     string          `json:"source"`
	SourceID   int64           `json:"source_id"`
	CreatedAt  string          `json:"created_at"`
}

type SeedLab struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	StockRecordID int64           `json:"stock_record_id"`
	LotNumber     string          `json:"lot_number"`
	SampleSizeKg  decimal.Decimal `json:"sample_size_kg"`
	Status        string          `json:"status"`
	StatusComment string          `json:"status_comment"`
	TechnicianID  *int64          `json:"technician_id"`
	LabNumber     *string         `json:"lab_number"`
	TestReport    json.RawMessage `json:"test_report,omitempty"`
	Decision      string          `json:"decision"`
	ReceivedAt    *string         `json:"received_at"`
	TestedAt      *string         `json:"tested_at"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// TestReport is the structured result a lab technician submits.
type TestReport struct {
	PurityPct      decimal.Decimal `json:"purity_pct"`
	GerminationPct decimal.Decimal `json:"germination_pct"`
	MoisturePct    decimal.Decimal `json:"moisture_pct"`
	WeedSeedsPerKg int             `json:"weed_seeds_per_kg"`
	OtherCropPct   decimal.Decimal `json:"other_crop_pct"`
	Remarks        string          `json:"remarks"`
}

type MarketableSeed struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	SeedLabID   int64           `json:"seed_lab_id"`
	LotNumber   string          `json:"lot_number"`
	CropID      int64           `json:"crop_id"`
	CropName    string          `json:"crop_name"`
	Variety     string          `json:"variety"`
	Category    string          `json:"category"`
	QuantityKg  decimal.Decimal `json:"quantity_kg"`
	AvailableKg decimal.Decimal `json:"available_kg"`
	CreatedAt   string          `json:"created_at"`
}

type SeedLabel struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	MarketableSeedID int64           `json:"marketable_seed_id"`
	LotNumber        string          `json:"lot_number"`
	PackageSizeKg    decimal.Decimal `json:"package_size_kg"`
	QuantityKg       decimal.Decimal `json:"quantity_kg"`
	LabelCount       int             `json:"label_count"`
	Status           string          `json:"status"`
	StatusComment    string          `json:"status_comment"`
	ApprovedBy       *int64          `json:"approved_by"`
	ApprovedAt       *string         `json:"approved_at"`
	PrintedAt        *string         `json:"printed_at"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

// LabelCode is one printable label. VerifyURL is the QR payload.
type LabelCode struct {
	Serial    int    `json:"serial"`
	Code      string `json:"code"`
	VerifyURL string `json:"verify_url"`
}

// LabelVerification is what the public verify endpoint discloses.
type LabelVerification struct {
	Code          string          `json:"code"`
	Valid         bool            `json:"valid"`
	LotNumber     string          `json:"lot_number"`
	CropName      string          `json:"crop_name"`
	Variety       string          `json:"variety"`
	Category      string          `json:"category"`
	PackageSizeKg decimal.Decimal `json:"package_size_kg"`
	Producer      string          `json:"producer"`
	LabNumber     string          `json:"lab_number"`
	Status        string          `json:"status"`
	ApprovedAt    *string         `json:"approved_at"`
}

type Attachment struct {
	ID           int64  `json:"id"`
	Module       string `json:"module"`
	RecordID     int64  `json:"record_id"`
	StorageKey   string `json:"storage_key"`
	OriginalName string `json:"original_name"`
	SizeBytes    int64  `json:"size_bytes"`
	MimeType     string `json:"mime_type"`
	UploadedBy   int64  `json:"uploaded_by"`
	CreatedAt    string `json:"created_at"`
}

type AuditEntry struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Action    string `json:"action"`
	Module    string `json:"module"`
	RecordID  string `json:"record_id"`
	Summary   string `json:"summary"`
	CreatedAt string `json:"created_at"`
}

type EmailLogEntry struct {
	ID        int64  `json:"id"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	EventType string `json:"event_type"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	SentAt    string `json:"sent_at"`
}

// StatusCount is one cell of the dashboard.
type StatusCount struct {
	Entity string `json:"entity"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}
