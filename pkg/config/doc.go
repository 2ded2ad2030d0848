// Package config loads and validates driftwatch configuration.
//
// A configuration names the accounts to watch, the technologies (resource
// kinds) collected in each account, and how each technology's snapshots are
// produced and compared. Sources may be YAML, JSON or CUE files, or a
// directory holding a CUE package; several sources are unified into one
// value, so an overlay may add fields but never contradict a base file.
//
// Every value is checked against the closed CUE definitions in
// SchemaRegistry before decoding, then against struct tags and cross
// references (known accounts, unique names, parseable ephemeral paths and
// compilable canonicalisation scripts).
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load(ctx, "driftwatch.yaml")
//	if err != nil {
//	    var problems config.ValidationErrors
//	    if errors.As(err, &problems) {
//	        for _, p := range problems {
//	            fmt.Println(p)
//	        }
//	    }
//	    return err
//	}
//
// # Canonicalisation
//
// A technology may declare how configs are projected before two snapshots
// are compared. Exclude, SortLists and DropNulls build a confval.Projection.
// A Starlark script defining canonicalize(config) runs after the projection:
//
//	def canonicalize(config):
//	    out = dict(config)
//	    out.pop("LastScanned", None)
//	    return out
//
// Scripts run without I/O and are cancelled after DefaultScriptTimeout.
package config
