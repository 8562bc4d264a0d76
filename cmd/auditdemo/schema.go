package main

import (
	audit "github.com/KuruwiC/prisma-audit-sub002"
)

func blogSchema() (*audit.Schema, error) {
	return audit.NewSchema(
		audit.SchemaModel{
			Name:   "User",
			Unique: [][]string{{"id"}, {"email"}},
			Relations: []audit.RelationField{
				{Name: "posts", Related: "Post", List: true},
				{Name: "profile", Related: "Profile"},
			},
		},
		audit.SchemaModel{
			Name:   "Profile",
			Unique: [][]string{{"id"}, {"userId"}},
			Relations: []audit.RelationField{
				{Name: "user", Related: "User", Required: true, Fields: []string{"userId"}, References: []string{"id"}},
			},
		},
		audit.SchemaModel{
			Name: "Post",
			Relations: []audit.RelationField{
				{Name: "author", Related: "User", Required: true, Fields: []string{"authorId"}, References: []string{"id"}},
				{Name: "comments", Related: "Comment", List: true},
			},
		},
		audit.SchemaModel{
			Name: "Comment",
			Relations: []audit.RelationField{
				{Name: "post", Related: "Post", Required: true, Fields: []string{"postId"}, References: []string{"id"}},
			},
		},
	)
}

func blogMapping() audit.Mapping {
	return audit.Mapping{
		"User": {Tags: []string{"identity"}},
		"Profile": {
			Roots: []audit.Root{audit.FieldRoot("User", "userId")},
		},
		"Post": {
			Roots: []audit.Root{audit.FieldRoot("User", "authorId")},
		},
		"Comment": {
			Roots: []audit.Root{
				audit.FieldRoot("Post", "postId"),
				audit.LookupRoot("User", "Post", "postId", "authorId"),
			},
		},
	}
}
