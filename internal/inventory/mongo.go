package inventory

import (
	"context"
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
	"github.com/MaxIV-KitsControls/netspot/internal/mongodb"
)

// MaxAssets bounds one snapshot lookup.
const MaxAssets = 1000

// Mongo reads assets and group variables from the inventory database.
type Mongo struct {
	assets *mongo.Collection
	groups *mongo.Collection
}

func NewMongo(assets, groups *mongo.Collection) *Mongo {
	return &Mongo{assets: assets, groups: groups}
}

// Filter builds the asset query for sel. Each value is a regular expression
// on the field; the whole value list is also matched against the field of
// interfaces and MAC entries.
func (sel Selector) Filter() bson.D {
	or := bson.A{}
	for _, v := range sel.Values {
		or = append(or, bson.D{{Key: sel.Field, Value: bson.D{{Key: "$regex", Value: v}}}})
	}
	or = append(or,
		bson.D{{Key: "interfaces." + sel.Field, Value: bson.D{{Key: "$regex", Value: sel.Raw}}}},
		bson.D{{Key: "macs." + sel.Field, Value: bson.D{{Key: "$regex", Value: sel.Raw}}}},
	)
	return bson.D{{Key: "$or", Value: or}}
}

func (m *Mongo) Snapshot(ctx context.Context, selector string) (models.InventorySnapshot, error) {
	sel, err := ParseSelector(selector)
	if err != nil {
		return models.InventorySnapshot{}, err
	}
	for _, v := range sel.Values {
		if _, err := regexp.Compile(v); err != nil {
			return models.InventorySnapshot{}, fmt.Errorf("invalid selector pattern %q: %w", v, err)
		}
	}

	cur, err := m.assets.Find(ctx, sel.Filter(), options.Find().SetLimit(MaxAssets).SetSort(bson.D{{Key: "asset", Value: 1}}))
	if err != nil {
		return models.InventorySnapshot{}, fmt.Errorf("find assets: %w", err)
	}
	defer cur.Close(ctx)

	var assets []map[string]any
	names := map[string]struct{}{}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return models.InventorySnapshot{}, fmt.Errorf("decode asset: %w", err)
		}
		asset, _ := mongodb.Plain(doc).(map[string]any)
		assets = append(assets, asset)
		for _, g := range asList(asset["groups"]) {
			if s, ok := g.(string); ok {
				names[s] = struct{}{}
			}
		}
	}
	if err := cur.Err(); err != nil {
		return models.InventorySnapshot{}, fmt.Errorf("iterate assets: %w", err)
	}

	groupVars, err := m.groupVariables(ctx, names)
	if err != nil {
		return models.InventorySnapshot{}, err
	}
	return Build(assets, groupVars), nil
}

type groupDoc struct {
	Group     string   `bson:"group"`
	Variables []bson.M `bson:"variables"`
}

func (m *Mongo) groupVariables(ctx context.Context, names map[string]struct{}) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	if len(names) == 0 || m.groups == nil {
		return out, nil
	}
	list := make(bson.A, 0, len(names))
	for n := range names {
		list = append(list, n)
	}
	cur, err := m.groups.Find(ctx, bson.D{{Key: "group", Value: bson.D{{Key: "$in", Value: list}}}})
	if err != nil {
		return nil, fmt.Errorf("find groups: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var g groupDoc
		if err := cur.Decode(&g); err != nil {
			return nil, fmt.Errorf("decode group: %w", err)
		}
		vars := make(map[string]any)
		for _, v := range g.Variables {
			for k, val := range v {
				vars[k] = mongodb.Plain(val)
			}
		}
		out[g.Group] = vars
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return out, nil
}
