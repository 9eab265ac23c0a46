package testutil

import "github.com/roach88/meshlog/internal/record"

// Entity and subject names of the test document domain.
const (
	DocumentSubject = "document"
	DocumentEntity  = "document"
	TagEntity       = "tag"
	FolderEntity    = "folder"

	ChangeTitle = "title"
	ChangeBody  = "body"
	ChangeOwner = "owner"
	ChangeTag   = "tag"
)

// DocumentType is a small external subject used across tests: documents
// with scalar title and body fields, an identifiable owner, tags as minor
// subjects and the containing folder as metadata.
func DocumentType() *record.ExternalSubjectType {
	return &record.ExternalSubjectType{
		SubjectName: DocumentSubject,
		Major:       DocumentEntity,
		Metadata1:   FolderEntity,
		Changes: []record.ChangeType{
			record.FieldChange{Field: ChangeTitle},
			record.FieldChange{Field: ChangeBody},
			record.FieldChange{Field: ChangeOwner, Identifiable: true, Value: record.TypeUser},
			record.FieldChange{Field: ChangeTag, Minor: TagEntity},
		},
	}
}

// NewRegistry returns a registry holding the built-ins and DocumentType.
func NewRegistry() *record.Registry {
	return record.NewRegistry(DocumentType())
}
