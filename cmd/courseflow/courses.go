package main

import (
	"context"
	"fmt"
	"time"

	courseflow "github.com/course-flow/courseflow-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// courses create
	coursesCreateDescription string
	coursesCreateJoinCode    string
	coursesCreatePrivate     bool
)

func init() {
	coursesCreateCmd.Flags().StringVarP(&coursesCreateDescription, "description", "d", "", "course description")
	coursesCreateCmd.Flags().StringVar(&coursesCreateJoinCode, "join-code", "", "join code students use to enroll")
	coursesCreateCmd.Flags().BoolVar(&coursesCreatePrivate, "private", false, "hide the course from discovery")
	coursesCreateCmd.MarkFlagRequired("join-code")
}

// ============================================================================
// Root courses command
// ============================================================================

var coursesCmd = &cobra.Command{
	Use:   "courses",
	Short: "Course commands",
	Long:  "List, create, and join courses, and inspect their members.",
}

// ============================================================================
// courses list
// ============================================================================

var coursesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the courses you belong to",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		courses, err := client.Courses.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(courses) == 0 {
			fmt.Println("No courses found.")
			return nil
		}

		for _, c := range courses {
			archived := ""
			if c.IsArchived {
				archived = " [archived]"
			}
			fmt.Printf("%s  %-24s  %s%s\n", c.ID, c.Name, c.Role, archived)
		}
		return nil
	},
}

// ============================================================================
// courses create
// ============================================================================

var coursesCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new course",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		course, err := client.Courses.Create(ctx, &courseflow.CreateCourseOptions{
			Name:        args[0],
			Description: coursesCreateDescription,
			JoinCode:    coursesCreateJoinCode,
			IsPrivate:   coursesCreatePrivate,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Created course %s\n", course.Name)
		fmt.Printf("  ID:        %s\n", course.ID)
		fmt.Printf("  Join code: %s\n", course.JoinCode)
		return nil
	},
}

// ============================================================================
// courses join
// ============================================================================

var coursesJoinCmd = &cobra.Command{
	Use:   "join <join-code>",
	Short: "Join a course by its join code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		course, err := client.Courses.Join(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Joined %s (%s)\n", course.Name, course.ID)
		return nil
	},
}

// ============================================================================
// courses members
// ============================================================================

var coursesMembersCmd = &cobra.Command{
	Use:   "members <course-id>",
	Short: "List the members of a course",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		members, err := client.Members.List(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(members) == 0 {
			fmt.Println("No members found.")
			return nil
		}

		for _, m := range members {
			fmt.Printf("%s  %-20s  %s %s  (%s)\n", m.ID, m.Username, m.FirstName, m.LastName, m.Role)
		}
		return nil
	},
}
