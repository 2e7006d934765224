package sync

import (
	"strings"

	"github.com/kimhsiao/possync/internal/models"
)

// remoteTables maps local stores to remote tables.
var remoteTables = map[string]string{
	models.StoreProducts:  "products",
	models.StoreCustomers: "customers",
	models.StoreSales:     "sales",
	models.StoreInventory: "inventory",
	models.StoreSettings:  "settings",
}

// RemoteTable resolves the remote table for a local store. Unmapped stores
// fall back to the lowercased store name.
func RemoteTable(store string) string {
	if table, ok := remoteTables[store]; ok {
		return table
	}
	return strings.ToLower(store)
}
