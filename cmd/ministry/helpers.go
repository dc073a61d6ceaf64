package main

import (
	"fmt"
	"os"

	ministry "github.com/cptvargo/mens-ministry"
)

// getClient creates a data gateway client from the stored configuration.
func getClient() *ministry.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Store.URL == "" || cfg.Store.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No store configured. Run 'ministry init <store-url> <api-key>' first.")
		os.Exit(1)
	}
	return ministry.NewClient(cfg.Store.URL, cfg.Store.APIKey)
}

// getIdentity opens the device identity store under ~/.ministry.
func getIdentity() *ministry.IdentityStore {
	dir, err := configDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open identity store: %v\n", err)
		os.Exit(1)
	}
	return ministry.NewIdentityStore(dir)
}

// getProfile loads the device profile, exiting with guidance if none exists.
func getProfile() (*ministry.IdentityStore, *ministry.DeviceProfile) {
	store := getIdentity()
	profile, ok := store.LoadProfile(store.DeviceID())
	if !ok {
		fmt.Fprintln(os.Stderr, "No profile on this device. Run 'ministry profile setup <name>' first.")
		os.Exit(1)
	}
	return store, profile
}
