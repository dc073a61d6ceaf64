package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var profileAvatar string

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileSetupCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileDeleteCmd)

	profileSetupCmd.Flags().StringVar(&profileAvatar, "avatar", "", "Avatar image as a data URI")
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the device profile",
	Long:  "Create, inspect, or delete the profile tied to this device.",
}

var profileSetupCmd = &cobra.Command{
	Use:   "setup <name>",
	Short: "Create or replace this device's profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getIdentity()

		profile, err := store.NewProfile(args[0], profileAvatar)
		if err != nil {
			return fmt.Errorf("failed to create profile: %w", err)
		}
		if err := store.SaveProfile(profile); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}

		fmt.Printf("Profile created for %s\n", profile.Name)
		fmt.Printf("  User ID:   %s\n", profile.ID)
		fmt.Printf("  Device ID: %s\n", profile.DeviceID)
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show this device's profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getIdentity()

		profile, ok := store.LoadProfile(store.DeviceID())
		if !ok {
			fmt.Println("No profile on this device. Run 'ministry profile setup <name>' to create one.")
			return nil
		}

		fmt.Printf("Name:      %s\n", profile.Name)
		fmt.Printf("User ID:   %s\n", profile.ID)
		fmt.Printf("Device ID: %s\n", profile.DeviceID)
		fmt.Printf("Created:   %s\n", profile.CreatedAt.Format("Jan 2, 2006 15:04"))
		if profile.Avatar != "" {
			fmt.Println("Avatar:    set")
		}
		return nil
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete this device's profile",
	Long:  "Delete the local profile. The device identifier is kept, so a new profile created later keeps the same device identity.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getIdentity()

		if err := store.DeleteProfile(store.DeviceID()); err != nil {
			return fmt.Errorf("failed to delete profile: %w", err)
		}
		fmt.Println("Profile deleted.")
		return nil
	},
}
