package config

// desiredStateSchema constrains desired-state documents and supplies
// defaults for omitted fields.
const desiredStateSchema = `
#AuthRule: {
	container:        string & !=""
	trustedNetworks?: [...string]
	method?:          "trust" | "md5" | "scram-sha-256" | "password"
}

#Volume: {
	kind:   "postgres" | "redis" | "app-data"
	intent: *"create-if-absent" | "recreate" | "backup-and-recreate"
	force:  *false | bool
}

#Network: {
	name:          *"codeb-network" | (string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$")
	allowFallback: *true | bool
	create:        *true | bool
}

#Connection: {
	name:      string & !=""
	container: string & !=""
	url:       string & =~"^[a-zA-Z][a-zA-Z0-9+.-]*://"
}

project:     string & =~"^[a-z0-9][a-z0-9-]*$"
environment: string & !=""
host?:       string

authRules:   *[] | [...#AuthRule]
volumes:     *[] | [...#Volume]
networks:    *[] | [...#Network]
connections: *[] | [...#Connection]
`
