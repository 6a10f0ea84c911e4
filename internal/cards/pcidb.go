package cards

import (
	"sync"

	"github.com/jaypipes/pcidb"
)

// RebellionsVendorID is the PCI vendor id of Rebellions devices.
const RebellionsVendorID = "1eff"

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// PCIDatabaseLookup resolves model codes as Rebellions PCI device ids
// through the local pci.ids database. The database is loaded on first use;
// if it cannot be loaded every lookup misses.
func PCIDatabaseLookup(code string) (string, bool) {
	db := loadPCIDatabase()
	if db == nil {
		return "", false
	}
	return productName(db, RebellionsVendorID, code)
}

func productName(db *pcidb.PCIDB, vendorID, deviceID string) (string, bool) {
	deviceID = normalizeCode(deviceID)
	if deviceID == "" {
		return "", false
	}
	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil || product.Name == "" {
		return "", false
	}
	return product.Name, true
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}
