package engine

import "github.com/compresr/context-engine/internal/contextmodel"

// Route is one entry in the engine's priority-ordered routing table:
// the first route whose Condition matches a record (and whose Service
// is currently healthy) decides where Store sends it.
type Route struct {
	Service   contextmodel.Service
	Condition func(contextmodel.Record) bool
	Priority  int
}

const largeRecordBytes = 50_000

func defaultRoutes(defaultService contextmodel.Service) []Route {
	return []Route{
		{
			Service:  contextmodel.ServiceMemory,
			Priority: 100,
			Condition: func(r contextmodel.Record) bool {
				return r.Metadata.Priority >= 8
			},
		},
		{
			Service:  contextmodel.ServiceMemory,
			Priority: 90,
			Condition: func(r contextmodel.Record) bool {
				return r.Type == contextmodel.TypeConversation
			},
		},
		{
			Service:  contextmodel.ServiceArchive,
			Priority: 80,
			Condition: func(r contextmodel.Record) bool {
				return len(r.Content) > largeRecordBytes || r.Metadata.Archived
			},
		},
		{
			Service:  defaultService,
			Priority: 0,
			Condition: func(contextmodel.Record) bool {
				return true
			},
		},
	}
}
