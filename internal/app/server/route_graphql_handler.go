package server

import (
	"net/http"

	gqlhandler "github.com/graphql-go/handler"

	"ipguard/internal/auth"
	gqlschema "ipguard/internal/graphql"
)

func newGraphQLHandler(resolvers gqlschema.Resolvers) (http.Handler, error) {
	schema, err := gqlschema.NewSchema(resolvers)
	if err != nil {
		return nil, err
	}

	base := gqlhandler.New(&gqlhandler.Config{
		Schema:   &schema,
		Pretty:   true,
		GraphiQL: false,
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if userID, err := auth.GetUserIDFromRequest(r); err == nil {
			ctx = gqlschema.WithUserID(ctx, userID)
		}
		base.ContextHandler(ctx, w, r)
	}), nil
}
