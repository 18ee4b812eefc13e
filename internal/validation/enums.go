package validation

// Common enum values accepted on input.
var (
	ValidFormTypes      = []string{"sr4", "sr6", "qds"}
	ValidSeedCategories = []string{"breeder", "pre_basic", "basic", "certified", "qds"}
	ValidSeedClasses    = []string{"breeder", "pre_basic", "basic", "certified_1", "certified_2", "qds"}
	ValidPermitTypes    = []string{"seed_merchant", "researcher", "own_use", "donor"}
	ValidWeightUnits    = []string{"kg", "g", "t"}
	ValidSR4Dealers     = []string{"agricultural_seed", "seed_stockist", "seed_importer", "seed_exporter", "seed_processor"}
	ValidSR6Dealers     = []string{"seed_grower", "seed_breeder", "seed_multiplier"}
	ValidQDSDealers     = []string{"qds_producer"}
	ValidLabDecisions   = []string{"marketable", "not_marketable"}
	ValidStockSources   = []string{"stock_examination", "import_permit"}
	ValidRoles          = []string{"admin", "quality_officer", "inspector", "lab_technician", "seed_producer"}
	ValidModules        = []string{"applications", "import_permits", "planting_returns", "crop_declarations", "stock_examinations", "seed_labs", "seed_labels"}
)

// DealerTypes maps a registration form to the trade categories it covers.
var DealerTypes = map[string][]string{
	"sr4": ValidSR4Dealers,
	"sr6": ValidSR6Dealers,
	"qds": ValidQDSDealers,
}
