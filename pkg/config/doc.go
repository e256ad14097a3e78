// Package config loads the runtime configuration of Wisp.
//
// # Sources
//
// Values are applied in order, later sources winning:
//
//  1. Default(): the production pipeline constants, local SQLite storage
//  2. an optional YAML file (unknown keys are rejected)
//  3. .env files, loaded into the process environment
//  4. environment variables
//
// # Environment
//
// Provider credentials use their conventional names; everything else is
// prefixed with WISP_:
//
//	GITHUB_TOKEN            github.token
//	VERCEL_BEARER_TOKEN     vercel.token
//	CLOUDFLARE_API_TOKEN    cloudflare.api_token
//	CLOUDFLARE_ZONE_ID      cloudflare.zone_id
//	OPENAI_API_KEY          openai.api_key
//	REDIS_URL               redis.url
//	LOG_LEVEL               telemetry.logging.level
//	WISP_DATABASE_PATH      database.path
//	WISP_SERVER_ADDR        server.addr
//	WISP_REAPER_SCHEDULE    reaper.schedule
//	WISP_POLICY_PATHS       policy.paths (comma separated)
//
// # Example
//
//	pipeline:
//	  template_owner: productstudioinc
//	  template_repo: vite_react_shadcn_pwa
//	  domain_suffix: usewisp.app
//	  max_fix_attempts: 3
//	database:
//	  path: /var/lib/wisp/wisp.db
//	reaper:
//	  schedule: "@every 5m"
//	  threshold: 30m
//	policy:
//	  paths: [/etc/wisp/policies]
//	  watch: true
//
// Validate checks everything a command needs to start. Provider credentials
// are checked separately by RequireProviders so that commands such as
// migrate run without them.
package config
