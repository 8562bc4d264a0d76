package testutil

import (
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
)

// BlogSchema returns the schema most unit tests run against:
//
//	User 1-n Post 1-n Comment
//	User 1-1 Profile (FK on Profile)
//	Post 1-n Tag (Tag.name unique)
//	User n-m Org through Membership (userId+orgId unique)
func BlogSchema() *schema.Registry {
	r, err := schema.NewRegistry(
		schema.Model{
			Name:   "User",
			Unique: [][]string{{"id"}, {"email"}},
			Relations: []model.RelationField{
				{Name: "posts", Related: "Post", List: true},
				{Name: "profile", Related: "Profile"},
				{Name: "memberships", Related: "Membership", List: true},
			},
		},
		schema.Model{
			Name:   "Profile",
			Unique: [][]string{{"id"}, {"userId"}},
			Relations: []model.RelationField{
				{Name: "user", Related: "User", Required: true, Fields: []string{"userId"}, References: []string{"id"}},
			},
		},
		schema.Model{
			Name: "Post",
			Relations: []model.RelationField{
				{Name: "author", Related: "User", Required: true, Fields: []string{"authorId"}, References: []string{"id"}},
				{Name: "comments", Related: "Comment", List: true},
				{Name: "tags", Related: "Tag", List: true},
			},
		},
		schema.Model{
			Name: "Comment",
			Relations: []model.RelationField{
				{Name: "post", Related: "Post", Required: true, Fields: []string{"postId"}, References: []string{"id"}},
			},
		},
		schema.Model{
			Name:   "Tag",
			Unique: [][]string{{"id"}, {"name"}},
			Relations: []model.RelationField{
				{Name: "post", Related: "Post", Fields: []string{"postId"}, References: []string{"id"}},
			},
		},
		schema.Model{
			Name: "Org",
			Relations: []model.RelationField{
				{Name: "memberships", Related: "Membership", List: true},
			},
		},
		schema.Model{
			Name:   "Membership",
			Unique: [][]string{{"id"}, {"userId", "orgId"}},
			Relations: []model.RelationField{
				{Name: "user", Related: "User", Required: true, Fields: []string{"userId"}, References: []string{"id"}},
				{Name: "org", Related: "Org", Required: true, Fields: []string{"orgId"}, References: []string{"id"}},
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
