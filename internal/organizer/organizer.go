// Package organizer refreshes the family-organizer entities after the
// voice assistant mutates them: when a function_call reports success,
// the UI re-fetches the tables that function may have touched.
package organizer

import (
	"fmt"

	"github.com/supabase-community/supabase-go"
)

// Table names in the backend schema.
const (
	TableTasks         = "tasks"
	TableEvents        = "events"
	TableFamilyMembers = "family_members"
)

type Task struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Done       bool   `json:"done"`
	DueDate    string `json:"due_date,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
}

type Event struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at,omitempty"`
	Location string `json:"location,omitempty"`
}

type FamilyMember struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Snapshot holds the refreshed entity lists. Only the slices whose tables
// were refreshed are populated.
type Snapshot struct {
	Tasks   []Task
	Events  []Event
	Members []FamilyMember
}

// functionTables maps assistant function names to the tables they mutate.
var functionTables = map[string][]string{
	"create_task":          {TableTasks},
	"update_task":          {TableTasks},
	"complete_task":        {TableTasks},
	"delete_task":          {TableTasks},
	"create_event":         {TableEvents},
	"update_event":         {TableEvents},
	"delete_event":         {TableEvents},
	"add_family_member":    {TableFamilyMembers},
	"update_family_member": {TableFamilyMembers},
	"remove_family_member": {TableFamilyMembers},
}

// TablesFor returns the tables the named function may have touched. An
// unknown function refreshes everything, which is safe but wasteful.
func TablesFor(functionName string) []string {
	if tables, ok := functionTables[functionName]; ok {
		return tables
	}
	return []string{TableTasks, TableEvents, TableFamilyMembers}
}

type Client struct {
	sb *supabase.Client
}

func New(url, anonKey string) (*Client, error) {
	client, err := supabase.NewClient(url, anonKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("organizer: create supabase client: %w", err)
	}
	return &Client{sb: client}, nil
}

// Refresh re-fetches the tables touched by the named assistant function
// and returns the snapshot for display.
func (c *Client) Refresh(functionName string) (Snapshot, error) {
	var snap Snapshot
	for _, table := range TablesFor(functionName) {
		var err error
		switch table {
		case TableTasks:
			_, err = c.sb.From(TableTasks).Select("*", "exact", false).ExecuteTo(&snap.Tasks)
		case TableEvents:
			_, err = c.sb.From(TableEvents).Select("*", "exact", false).ExecuteTo(&snap.Events)
		case TableFamilyMembers:
			_, err = c.sb.From(TableFamilyMembers).Select("*", "exact", false).ExecuteTo(&snap.Members)
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("organizer: refresh %s: %w", table, err)
		}
	}
	return snap, nil
}
