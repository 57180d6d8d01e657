package graphql

import (
	"context"
	"fmt"

	gql "github.com/graphql-go/graphql"

	"ipguard/internal/domain"
	"ipguard/internal/trust"
)

type userLookup interface {
	GetByID(ctx context.Context, id uint) (*domain.User, error)
}

type originLister interface {
	List(ctx context.Context, userID uint) ([]domain.TrustRecord, error)
}

type statusReader interface {
	Status(ctx context.Context, userID uint, claimedIP, observedIP string) (*trust.StatusReport, error)
}

// Resolvers are the read-only services the schema is backed by.
type Resolvers struct {
	Users   userLookup
	Origins originLister
	Status  statusReader
}

type viewerData struct {
	user domain.User
}

func NewSchema(res Resolvers) (gql.Schema, error) {
	originType := gql.NewObject(gql.ObjectConfig{
		Name: "Origin",
		Fields: gql.Fields{
			"id":         &gql.Field{Type: gql.NewNonNull(gql.ID)},
			"ipAddress":  &gql.Field{Type: gql.NewNonNull(gql.String)},
			"status":     &gql.Field{Type: gql.NewNonNull(gql.String)},
			"isApproved": &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
			"isBanned":   &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
			"location":   &gql.Field{Type: gql.String},
			"country":    &gql.Field{Type: gql.String},
			"region":     &gql.Field{Type: gql.String},
			"city":       &gql.Field{Type: gql.String},
			"latitude":   &gql.Field{Type: gql.Float},
			"longitude":  &gql.Field{Type: gql.Float},
			"isp":        &gql.Field{Type: gql.String},
			"userAgent":  &gql.Field{Type: gql.String},
			"lastSeenAt": &gql.Field{Type: gql.DateTime},
			"createdAt":  &gql.Field{Type: gql.DateTime},
		},
	})

	originStatusType := gql.NewObject(gql.ObjectConfig{
		Name: "OriginStatus",
		Fields: gql.Fields{
			"ipAddress":  &gql.Field{Type: gql.String},
			"status":     &gql.Field{Type: gql.NewNonNull(gql.String)},
			"isApproved": &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
			"isBanned":   &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
			"private":    &gql.Field{Type: gql.NewNonNull(gql.Boolean)},
		},
	})

	viewerType := gql.NewObject(gql.ObjectConfig{
		Name: "Viewer",
		Fields: gql.Fields{
			"id": &gql.Field{
				Type: gql.NewNonNull(gql.ID),
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					if data, ok := p.Source.(*viewerData); ok {
						return fmt.Sprintf("%d", data.user.ID), nil
					}
					return nil, nil
				},
			},
			"email": &gql.Field{
				Type: gql.NewNonNull(gql.String),
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					if data, ok := p.Source.(*viewerData); ok {
						return data.user.Email, nil
					}
					return nil, nil
				},
			},
			"role": &gql.Field{
				Type: gql.NewNonNull(gql.String),
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					if data, ok := p.Source.(*viewerData); ok {
						return data.user.Role, nil
					}
					return nil, nil
				},
			},
			"origins": &gql.Field{
				Type: gql.NewNonNull(gql.NewList(gql.NewNonNull(originType))),
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					data, ok := p.Source.(*viewerData)
					if !ok {
						return []map[string]interface{}{}, nil
					}
					records, err := res.Origins.List(p.Context, data.user.ID)
					if err != nil {
						return nil, err
					}
					items := make([]map[string]interface{}, 0, len(records))
					for i := range records {
						items = append(items, buildOrigin(&records[i]))
					}
					return items, nil
				},
			},
			"originStatus": &gql.Field{
				Type: gql.NewNonNull(originStatusType),
				Args: gql.FieldConfigArgument{
					"ip": &gql.ArgumentConfig{Type: gql.NewNonNull(gql.String)},
				},
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					data, ok := p.Source.(*viewerData)
					if !ok {
						return nil, ErrUnauthenticated
					}
					ip, _ := p.Args["ip"].(string)
					report, err := res.Status.Status(p.Context, data.user.ID, ip, "")
					if err != nil {
						return nil, err
					}
					return map[string]interface{}{
						"ipAddress":  report.IP,
						"status":     string(report.Status),
						"isApproved": report.IsApproved,
						"isBanned":   report.IsBanned,
						"private":    report.Private,
					}, nil
				},
			},
		},
	})

	queryType := gql.NewObject(gql.ObjectConfig{
		Name: "Query",
		Fields: gql.Fields{
			"viewer": &gql.Field{
				Type: viewerType,
				Resolve: func(p gql.ResolveParams) (interface{}, error) {
					return fetchViewer(p.Context, res.Users)
				},
			},
		},
	})

	return gql.NewSchema(gql.SchemaConfig{Query: queryType})
}

func fetchViewer(ctx context.Context, users userLookup) (interface{}, error) {
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	user, err := users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUnauthenticated
	}

	return &viewerData{user: *user}, nil
}

func buildOrigin(record *domain.TrustRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":         fmt.Sprintf("%d", record.ID),
		"ipAddress":  record.IPAddress,
		"status":     string(record.Status()),
		"isApproved": record.IsApproved,
		"isBanned":   record.IsBanned,
		"location":   record.Location(),
		"country":    derefString(record.Country),
		"region":     derefString(record.Region),
		"city":       derefString(record.City),
		"latitude":   derefFloat(record.Latitude),
		"longitude":  derefFloat(record.Longitude),
		"isp":        derefString(record.ISP),
		"userAgent":  derefString(record.UserAgent),
		"lastSeenAt": record.LastSeenAt,
		"createdAt":  record.CreatedAt,
	}
}

func derefString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func derefFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
