package cigar

// github.com/grailbio/hts/sam needs the sync.fastrand shim on Go 1.19+;
// see internal/fastrandcompat.
import _ "github.com/strtools/strcall/internal/fastrandcompat"
