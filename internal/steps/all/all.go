// Package all registers every built-in step kind and storage backend. Binaries
// import it for its side effects:
//
//	import _ "rowflow/internal/steps/all"
package all

import (
	_ "rowflow/internal/steps/batchgate"
	_ "rowflow/internal/steps/convert"
	_ "rowflow/internal/steps/csvinput"
	_ "rowflow/internal/steps/dummy"
	_ "rowflow/internal/steps/filter"
	_ "rowflow/internal/steps/generator"
	_ "rowflow/internal/steps/injector"
	_ "rowflow/internal/steps/join"
	_ "rowflow/internal/steps/tableoutput"
	_ "rowflow/internal/storage/all"
)
