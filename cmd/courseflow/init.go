package main

func init() {
	// auth
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	// courses
	rootCmd.AddCommand(coursesCmd)
	coursesCmd.AddCommand(coursesListCmd)
	coursesCmd.AddCommand(coursesCreateCmd)
	coursesCmd.AddCommand(coursesJoinCmd)
	coursesCmd.AddCommand(coursesMembersCmd)

	// notifications
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)

	// chat
	rootCmd.AddCommand(chatCmd)

	// config
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
